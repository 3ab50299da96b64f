package httpapi

import (
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/ineyio/creditgate"
)

// login exchanges an authorization code and returns a signed access token.
func (s *Server) login(c fiber.Ctx) error {
	code := c.FormValue("code")
	if code == "" {
		return fail(c, http.StatusBadRequest, IDBadRequest, msgNoCode)
	}

	exchanger, err := s.exchangers.Get(c.Params("provider"))
	if err != nil {
		return err
	}

	identity, err := exchanger.Exchange(c.Context(), code)
	if err != nil {
		return err
	}

	result, err := s.service.Login(c.Context(), identity)
	if err != nil {
		return err
	}

	if result.Created {
		s.logger.InfoContext(c.Context(), "account_created",
			"account", result.Account.ID,
			"provider", identity.Provider,
		)
	}
	return ok(c, "Successfully logged in", result.Token)
}

// validate reports the verified claims of the bearer token.
func (s *Server) validate(c fiber.Ctx) error {
	token, err := bearerToken(c)
	if err != nil {
		return err
	}
	claims, err := s.service.Authenticate(token)
	if err != nil {
		return err
	}
	return ok(c, "Token is valid", claims)
}

type meResponse struct {
	Account creditgate.Account `json:"account"`
	Billing creditgate.Billing `json:"billing"`
}

// me returns the caller's account and billing rows.
func (s *Server) me(c fiber.Ctx) error {
	token, err := bearerToken(c)
	if err != nil {
		return err
	}
	account, billing, err := s.service.Me(c.Context(), token)
	if err != nil {
		return err
	}
	return ok(c, "Account found", meResponse{Account: account, Billing: billing})
}

// summarize runs one metered summarize call.
func (s *Server) summarize(c fiber.Ctx) error {
	token, err := bearerToken(c)
	if err != nil {
		return err
	}
	// Credentials are checked before the form so a bad token is never
	// reported as a bad request.
	if _, err := s.service.Authenticate(token); err != nil {
		return err
	}

	kind := c.FormValue("kind")
	if kind == "" {
		return fail(c, http.StatusBadRequest, IDBadRequest, msgNoKind)
	}
	text := c.FormValue("text")
	if strings.TrimSpace(text) == "" {
		return fail(c, http.StatusBadRequest, IDBadRequest, msgNoText)
	}

	result, err := s.service.Summarize(c.Context(), creditgate.SummarizeRequest{
		Token: token,
		Kind:  kind,
		Text:  text,
	})
	if err != nil {
		return err
	}
	return ok(c, "OK", result)
}
