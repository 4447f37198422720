package v1

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dkod-io/dkod-engine/internal/auth"
)

type ExchangeTokenInput struct {
	Body struct {
		AgentID string `json:"agent_id" minLength:"1" maxLength:"255" doc:"Agent identity to mint the token for"`
		Secret  string `json:"secret" minLength:"1" doc:"Deployment-wide agent secret"` //nolint:gosec // G117: credential exchange DTO
	}
}

type ExchangeTokenOutput struct {
	Body struct {
		Token     string    `json:"token"` //nolint:gosec // G117: auth response DTO
		TokenType string    `json:"token_type"`
		ExpiresAt time.Time `json:"expires_at"`
	}
}

func RegisterAuthRoutes(api huma.API, exchanger TokenExchanger) {
	huma.Register(api, huma.Operation{
		OperationID: "exchange-token",
		Method:      http.MethodPost,
		Path:        "/auth/token",
		Summary:     "Exchange the agent secret for a bearer token",
		Tags:        []string{"Auth"},
	}, func(_ context.Context, input *ExchangeTokenInput) (*ExchangeTokenOutput, error) {
		token, expiresAt, err := exchanger.ExchangeAgentSecret(input.Body.AgentID, input.Body.Secret)
		if err != nil {
			if errors.Is(err, auth.ErrExchangeDisabled) {
				return nil, huma.Error403Forbidden("token exchange is disabled in this deployment")
			}
			if errors.Is(err, auth.ErrInvalidCredentials) {
				return nil, huma.Error401Unauthorized("invalid agent credentials")
			}
			return nil, huma.Error500InternalServerError("token exchange failed", err)
		}

		out := &ExchangeTokenOutput{}
		out.Body.Token = token
		out.Body.TokenType = "Bearer"
		out.Body.ExpiresAt = expiresAt
		return out, nil
	})
}
