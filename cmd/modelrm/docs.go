package main

// General API documentation for swaggo. Generate with `swag init -g cmd/modelrm/docs.go`.
//
// @title           modelrm API
// @version         1.0
// @description     HTTP API for hardware-aware model memory planning, reservation and mode switching.
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
