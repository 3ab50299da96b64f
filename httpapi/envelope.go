package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v3"

	"github.com/ineyio/creditgate"
)

// Envelope is the body of every response.
type Envelope struct {
	Success string     `json:"success"`
	Message string     `json:"message"`
	Data    any        `json:"data"`
	Errors  []APIError `json:"errors"`
}

// APIError is a single machine-readable error entry.
type APIError struct {
	ErrorID string `json:"error_id"`
	Message string `json:"message"`
}

// Error ids.
const (
	IDNotFound            = "not_found"
	IDBadRequest          = "bad_request"
	IDInternalServerError = "internal_server_error"
	IDUnauthorized        = "unauthorized"
	IDForbidden           = "forbidden"
	IDConflict            = "conflict"
	IDUnprocessable       = "unprocessable_entity"
	IDTooManyRequests     = "too_many_requests"
	IDServiceUnavailable  = "service_unavailable"
	IDGatewayTimeout      = "gateway_timeout"
	IDInvalidToken        = "invalid_token"
	IDExpiredToken        = "expired_token"
)

// Messages shared with the form validation in handlers.
const (
	msgNoCode         = "No code provided"
	msgNoKind         = "No kind provided"
	msgNoText         = "No text provided"
	msgInvalidKind    = "Invalid kind"
	msgTextTooLong    = "Text too long"
	msgExecutionError = "Error executing request"
)

func ok(c fiber.Ctx, message string, data any) error {
	return c.Status(http.StatusOK).JSON(Envelope{
		Success: "ok",
		Message: message,
		Data:    data,
		Errors:  []APIError{},
	})
}

func fail(c fiber.Ctx, status int, id, message string) error {
	return c.Status(status).JSON(Envelope{
		Success: "error",
		Message: message,
		Errors:  []APIError{{ErrorID: id, Message: message}},
	})
}

// classify maps a domain error to a status, error id and caller-safe
// message. Internal detail never leaves this function.
func classify(err error) (int, string, string) {
	var fe *fiber.Error
	switch {
	// Charged without value: generic message, the anomaly is with operators.
	case errors.Is(err, creditgate.ErrReconciliation):
		return http.StatusInternalServerError, IDInternalServerError, msgExecutionError

	case errors.Is(err, creditgate.ErrMissingToken):
		return http.StatusUnauthorized, IDUnauthorized, "No bearer token provided"
	case errors.Is(err, creditgate.ErrMalformedToken):
		return http.StatusUnauthorized, IDUnauthorized, "Malformed authorization header"
	case errors.Is(err, creditgate.ErrExpiredToken):
		return http.StatusUnauthorized, IDExpiredToken, "Token has expired"
	case errors.Is(err, creditgate.ErrInvalidToken):
		return http.StatusUnauthorized, IDInvalidToken, "Invalid token"

	case errors.Is(err, creditgate.ErrUnknownKind):
		return http.StatusBadRequest, IDBadRequest, msgInvalidKind
	case errors.Is(err, creditgate.ErrMissingField):
		return http.StatusBadRequest, IDBadRequest, "Missing required field"
	case errors.Is(err, creditgate.ErrPayloadTooLarge):
		return http.StatusUnprocessableEntity, IDUnprocessable, msgTextTooLong

	case errors.Is(err, creditgate.ErrInsufficientCredits):
		return http.StatusForbidden, IDForbidden, "Insufficient credits"
	case errors.Is(err, creditgate.ErrAccountDeleted):
		return http.StatusForbidden, IDForbidden, "Account deleted"
	case errors.Is(err, creditgate.ErrNotFound):
		return http.StatusNotFound, IDNotFound, "Account not found"
	case errors.Is(err, creditgate.ErrAccountExists):
		return http.StatusConflict, IDConflict, "Account already exists"

	case errors.Is(err, creditgate.ErrUnknownProvider):
		return http.StatusNotFound, IDNotFound, "Unknown identity provider"
	case errors.Is(err, creditgate.ErrIdentityExchange):
		return http.StatusUnauthorized, IDUnauthorized, "Could not verify identity"

	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, IDGatewayTimeout, msgExecutionError
	case errors.Is(err, creditgate.ErrServiceUnavailable),
		errors.Is(err, creditgate.ErrLedgerUnavailable),
		errors.Is(err, creditgate.ErrExecution):
		return http.StatusServiceUnavailable, IDServiceUnavailable, msgExecutionError

	case errors.As(err, &fe):
		return fe.Code, idForStatus(fe.Code), fe.Message
	default:
		return http.StatusInternalServerError, IDInternalServerError, msgExecutionError
	}
}

func idForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return IDBadRequest
	case http.StatusUnauthorized:
		return IDUnauthorized
	case http.StatusForbidden:
		return IDForbidden
	case http.StatusNotFound:
		return IDNotFound
	case http.StatusConflict:
		return IDConflict
	case http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
		return IDUnprocessable
	case http.StatusTooManyRequests:
		return IDTooManyRequests
	case http.StatusServiceUnavailable:
		return IDServiceUnavailable
	case http.StatusGatewayTimeout:
		return IDGatewayTimeout
	default:
		if status >= 400 && status < 500 {
			return IDBadRequest
		}
		return IDInternalServerError
	}
}
