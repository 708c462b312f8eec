// Package docs holds the OpenAPI document, in swag's generated-file
// layout, registered with the swag runtime and served by the swagger UI
// route. Its paths are written by hand: the handlers carry no swag
// annotations, so `swag init` would not reproduce them.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "license": {
            "name": "MIT"
        },
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/healthz": {
            "get": {
                "produces": ["application/json"],
                "summary": "Backend health: healthy, starting, or unavailable",
                "responses": {
                    "200": {"description": "healthy"},
                    "503": {"description": "starting or unavailable"}
                }
            }
        },
        "/metrics": {
            "get": {
                "produces": ["application/json"],
                "summary": "Counters and latency percentiles; never includes request content",
                "responses": {
                    "200": {"description": "OK"}
                }
            }
        },
        "/v1/chat/completions": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json", "text/event-stream"],
                "summary": "Generate a chat completion, streamed as SSE by default",
                "parameters": [
                    {
                        "description": "Chat completion request",
                        "name": "request",
                        "in": "body",
                        "required": true,
                        "schema": {"$ref": "#/definitions/types.ChatCompletionRequest"}
                    }
                ],
                "responses": {
                    "200": {"description": "completion or SSE stream", "schema": {"$ref": "#/definitions/types.ChatCompletionResponse"}},
                    "400": {"description": "invalid request", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "404": {"description": "model not found", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "429": {"description": "rate limited", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "503": {"description": "runtime initializing", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/v1/models": {
            "get": {
                "produces": ["application/json"],
                "summary": "List the configured model",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.ModelsResponse"}}
                }
            }
        },
        "/version": {
            "get": {
                "produces": ["application/json"],
                "summary": "Build id and active model id",
                "responses": {
                    "200": {"description": "OK"}
                }
            }
        }
    },
    "definitions": {
        "types.ChatCompletionRequest": {
            "type": "object",
            "properties": {
                "model": {"type": "string", "example": "llama3-8b-q4"},
                "messages": {"type": "array", "items": {"$ref": "#/definitions/types.Message"}},
                "stream": {"type": "boolean", "example": true},
                "max_tokens": {"type": "integer", "example": 256},
                "temperature": {"type": "number", "example": 0.7},
                "top_p": {"type": "number", "example": 0.9},
                "top_k": {"type": "integer", "example": 40},
                "repeat_penalty": {"type": "number", "example": 1.1},
                "seed": {"type": "integer", "example": 42},
                "stop": {"type": "array", "items": {"type": "string"}}
            }
        },
        "types.ChatCompletionResponse": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "object": {"type": "string", "example": "chat.completion"},
                "created": {"type": "integer"},
                "model": {"type": "string"},
                "choices": {"type": "array", "items": {"$ref": "#/definitions/types.Choice"}},
                "usage": {"$ref": "#/definitions/types.Usage"}
            }
        },
        "types.Choice": {
            "type": "object",
            "properties": {
                "index": {"type": "integer"},
                "message": {"$ref": "#/definitions/types.Message"},
                "finish_reason": {"type": "string", "example": "stop"}
            }
        },
        "types.Message": {
            "type": "object",
            "properties": {
                "role": {"type": "string", "example": "user"},
                "content": {"type": "string"}
            }
        },
        "types.ModelsResponse": {
            "type": "object",
            "properties": {
                "object": {"type": "string", "example": "list"},
                "data": {"type": "array", "items": {"type": "object"}}
            }
        },
        "types.Usage": {
            "type": "object",
            "properties": {
                "prompt_tokens": {"type": "integer"},
                "completion_tokens": {"type": "integer"},
                "total_tokens": {"type": "integer"}
            }
        },
        "types.ErrorResponse": {
            "type": "object",
            "properties": {
                "error": {"type": "object"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it.
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{"http"},
	Title:            "chatsafe API",
	Description:      "Loopback-only OpenAI-compatible chat-completions gateway in front of a local llama.cpp backend.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
