package requestid

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	ctx, id := New(context.Background())
	assert.NotEmpty(t, id)
	assert.Equal(t, id, FromContext(ctx))
}

func TestFromContext_Missing(t *testing.T) {
	id := FromContext(context.Background())
	assert.NotEmpty(t, id)
}

func TestWithRequestID(t *testing.T) {
	ctx := WithRequestID(context.Background(), "test-123")
	assert.Equal(t, "test-123", FromContext(ctx))
}

func TestMiddleware(t *testing.T) {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Use(Middleware())
	app.Get("/", func(c *fiber.Ctx) error {
		local, _ := c.Locals(LocalsKey).(string)
		return c.SendString(local + "|" + FromContext(c.UserContext()))
	})

	t.Run("generated", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, "/", nil)
		resp, err := app.Test(req, -1)
		require.NoError(t, err)
		id := resp.Header.Get(Header)
		assert.NotEmpty(t, id)
	})

	t.Run("propagated", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(Header, "ide-42")
		resp, err := app.Test(req, -1)
		require.NoError(t, err)
		assert.Equal(t, "ide-42", resp.Header.Get(Header))

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, "ide-42|ide-42", string(body))
	})
}
