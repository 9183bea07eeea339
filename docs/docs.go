// Package docs registers the Swagger specification served at /swagger/.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "securityDefinitions": {
        "BearerAuth": {
            "type": "apiKey",
            "name": "Authorization",
            "in": "header"
        }
    },
    "paths": {
        "/auth/register": {"post": {"tags": ["auth"], "summary": "Register a new user"}},
        "/auth/login": {"post": {"tags": ["auth"], "summary": "Login user"}},
        "/balance": {"get": {"tags": ["balance"], "summary": "Get token balance"}},
        "/balance/renew": {"post": {"tags": ["balance"], "summary": "Renew monthly allocation"}},
        "/operations": {"get": {"tags": ["balance"], "summary": "List ledger operations"}},
        "/jobs": {"post": {"tags": ["jobs"], "summary": "Submit a generation job"}},
        "/jobs/bulk": {"post": {"tags": ["jobs"], "summary": "Submit generation jobs in bulk"}},
        "/queues/{name}/metrics": {"get": {"tags": ["queues"], "summary": "Queue metrics"}},
        "/queues/{name}/pause": {"post": {"tags": ["queues"], "summary": "Pause queue"}},
        "/queues/{name}/resume": {"post": {"tags": ["queues"], "summary": "Resume queue"}},
        "/queues/{name}/drain": {"post": {"tags": ["queues"], "summary": "Drain queue"}},
        "/queues/{name}/clean": {"post": {"tags": ["queues"], "summary": "Clean terminal jobs"}},
        "/topup/qr": {"post": {"tags": ["topup"], "summary": "Generate top-up QR code"}}
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it.
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "localhost:8080",
	BasePath:         "/api/v1",
	Schemes:          []string{"http", "https"},
	Title:            "GenForge Backend API",
	Description:      "Token ledger and job dispatch API for paid generation work",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
