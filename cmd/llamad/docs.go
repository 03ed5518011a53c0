// General API documentation for swaggo. Regenerate internal/httpapi/docs with
// `swag init -g cmd/llamad/docs.go -o internal/httpapi/docs`.
//
// @title           llamad API
// @version         1.0
// @description     HTTP API for single-model local LLM generation.
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
package main
