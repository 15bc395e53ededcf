package gateway

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError is bad buyer input. The message is meant for the buyer.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) UserMessage() string {
	return e.Message
}

// GatewayError is a non-2xx answer, or no answer at all (Status 0).
type GatewayError struct {
	Status    int
	Retryable bool
	Body      string
	Err       error
}

func (e *GatewayError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("gateway: request failed: %v", e.Err)
	}
	return fmt.Sprintf("gateway: status %d", e.Status)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

func (e *GatewayError) UserMessage() string {
	return "Erro ao gerar PIX. Tente novamente em alguns minutos."
}

// ProtocolError is a 2xx answer the client could not use.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "gateway: invalid response: " + e.Reason
}

func (e *ProtocolError) UserMessage() string {
	return "Resposta inválida do servidor. Tente novamente mais tarde."
}

// ConfigurationError means the gateway URL or key is not set.
type ConfigurationError struct {
	Missing []string
}

func (e *ConfigurationError) Error() string {
	return "gateway: missing configuration: " + strings.Join(e.Missing, ", ")
}

func (e *ConfigurationError) UserMessage() string {
	return "Erro ao processar pagamento. Tente novamente em alguns minutos."
}

// IsRetryable reports whether a create-payment failure may succeed on a new attempt.
func IsRetryable(err error) bool {
	var gerr *GatewayError
	return errors.As(err, &gerr) && gerr.Retryable
}

// UserMessage picks the buyer-facing text for any error coming out of this package.
func UserMessage(err error) string {
	var um interface{ UserMessage() string }
	if errors.As(err, &um) {
		return um.UserMessage()
	}
	return "Erro ao processar pagamento. Tente novamente."
}
