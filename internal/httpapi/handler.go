package httpapi

import (
	"context"

	"github.com/gofiber/fiber/v3"

	"x402gateway/internal/pipeline"
	"x402gateway/internal/x402types"
)

// paymentHeader reads the client's payment envelope, accepting either of
// the two header names x402 clients use, case-insensitively (§6).
func paymentHeader(c fiber.Ctx) string {
	if v := c.Get("Payment-Signature"); v != "" {
		return v
	}
	return c.Get("X-Payment")
}

// routeHandler closes over one configured route and the shared orchestrator;
// registered as the catch-all handler for that route's path prefix.
func (s *Server) routeHandler(route x402types.RouteDescriptor) fiber.Handler {
	return func(c fiber.Ctx) error {
		ctx := c.Context()
		resource := c.Request().URI().String()

		outcome, err := s.orchestrator.Handle(ctx, route, resource, paymentHeader(c))
		if err != nil {
			s.logger.Error("pipeline handling failed", "error", err, "route", route.RouteKey)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "internal error",
			})
		}

		switch outcome.Kind {
		case pipeline.OutcomeMalformed:
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error":   "Bad request",
				"message": outcome.RejectReason,
			})

		case pipeline.OutcomeChallenge, pipeline.OutcomeRejected:
			c.Set("PAYMENT-REQUIRED", outcome.ChallengeHeader)
			return c.Status(fiber.StatusPaymentRequired).JSON(outcome.ChallengeBody)

		case pipeline.OutcomeCachedReceipt, pipeline.OutcomeSettled:
			c.Set("PAYMENT-RESPONSE", outcome.ReceiptHeader)
			return s.proceed(ctx, c, outcome)

		case pipeline.OutcomeCredit:
			c.Set("X-x402-Credit", outcome.CreditHeaderValue)
			return s.proceed(ctx, c, outcome)

		default:
			s.logger.Error("unhandled pipeline outcome", "kind", outcome.Kind)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
		}
	}
}

// proceed forwards the request to the route's backend and, once the
// backend's status is known, schedules best-effort credit issuance in the
// background rather than blocking the response on it (§4.6, §9: "scheduled
// only after the downstream response status is known... best-effort and
// asynchronous").
func (s *Server) proceed(ctx context.Context, c fiber.Ctx, outcome *pipeline.Outcome) error {
	status, err := forwardToBackend(ctx, c, outcome.Route)
	if err != nil {
		s.logger.Error("backend proxy failed", "error", err, "route", outcome.Route.RouteKey)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "backend unavailable"})
	}

	go func(o *pipeline.Outcome, backendStatus int) {
		s.orchestrator.IssueCreditIfApplicable(context.Background(), o, backendStatus)
	}(outcome, status)

	return nil
}
