package handlers

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/credkit/credkit/internal/auditctx"
	"github.com/credkit/credkit/internal/middleware"
)

// requestContext returns the request context annotated with actor metadata so
// service layers can attribute audit events without threading HTTP details
// through every call.
func requestContext(c *gin.Context) context.Context {
	if c == nil {
		return context.Background()
	}

	ctx := context.Background()
	if req := c.Request; req != nil {
		ctx = req.Context()
	}

	actor := auditctx.Actor{
		UserID:    c.GetString(middleware.CtxUserIDKey),
		IPAddress: c.ClientIP(),
	}
	if req := c.Request; req != nil {
		actor.UserAgent = req.UserAgent()
	}

	return auditctx.WithActor(ctx, actor)
}
