package server

import (
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"citerag/internal/models"
)

const userIDKey = "user_id"

// JwtMiddleware accepts HS256 bearer tokens carrying a user_id claim.
func JwtMiddleware(secret []byte) fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		authHeader := ctx.Get(fiber.HeaderAuthorization)
		tokenStr, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok || tokenStr == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "Missing token")
		}

		token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
			return secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !token.Valid {
			return fiber.NewError(fiber.StatusUnauthorized, "Invalid token")
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			return fiber.NewError(fiber.StatusUnauthorized, "Invalid claims")
		}
		userID, _ := claims[userIDKey].(string)
		if userID == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "Invalid claims")
		}

		ctx.Locals(userIDKey, userID)
		return ctx.Next()
	}
}

func userID(ctx *fiber.Ctx) string {
	id, _ := ctx.Locals(userIDKey).(string)
	return id
}

// RequestLogger logs one line per request. Errors are rendered here so the
// logged status is the one sent.
func RequestLogger() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		start := time.Now()
		if err := ctx.Next(); err != nil {
			if herr := ctx.App().ErrorHandler(ctx, err); herr != nil {
				_ = ctx.SendStatus(fiber.StatusInternalServerError)
			}
		}
		log.Info().
			Str("method", ctx.Method()).
			Str("path", ctx.Path()).
			Int("status", ctx.Response().StatusCode()).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
		return nil
	}
}

var validate = validator.New()

// validateRequest turns validation failures into 400 responses.
func validateRequest(req any) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fe.Field()+" "+fe.Tag())
		}
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request: "+strings.Join(fields, ", "))
	}
	return fiber.NewError(fiber.StatusBadRequest, err.Error())
}

// ErrorHandler maps domain errors to HTTP responses.
func ErrorHandler(ctx *fiber.Ctx, err error) error {
	code, msg := fiber.StatusInternalServerError, "Internal Server Error"

	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		code, msg = fe.Code, fe.Message
	case errors.Is(err, models.ErrUnauthorized):
		code, msg = fiber.StatusUnauthorized, "Unauthorized"
	case errors.Is(err, models.ErrNotFound):
		code, msg = fiber.StatusNotFound, "Not found"
	case errors.Is(err, models.ErrInvalidRequest):
		code, msg = fiber.StatusBadRequest, err.Error()
	case errors.Is(err, models.ErrConfiguration):
		msg = "Server not configured."
	case errors.Is(err, models.ErrIngestion):
		code, msg = fiber.StatusUnprocessableEntity, "Failed to process file."
	case errors.Is(err, models.ErrStorage):
		code = fiber.StatusServiceUnavailable
	}

	if code >= fiber.StatusInternalServerError {
		log.Error().Err(err).Str("path", ctx.Path()).Msg("Request failed")
	}
	return ctx.Status(code).JSON(fiber.Map{"error": msg})
}
