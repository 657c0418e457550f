package events

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/aura-guestbook/backend/internal/middleware"
	"github.com/aura-guestbook/backend/pkg/response"
)

// ContextEventID is the context key for the authorized event ID.
const ContextEventID = "event_id"

// Ownership answers whether a user owns an event.
type Ownership interface {
	IsOwner(ctx context.Context, eventID, userID uuid.UUID) (bool, error)
}

// RequireEventOwner validates that the caller owns the event in :id, or is an admin.
// Call after JWT.
func RequireEventOwner(repo Ownership) gin.HandlerFunc {
	return func(c *gin.Context) {
		eventID, err := uuid.Parse(c.Param("id"))
		if err != nil {
			response.BadRequest(c, "invalid event id")
			c.Abort()
			return
		}
		userID, role := middleware.Caller(c)
		if role != middleware.RoleAdmin {
			ok, err := repo.IsOwner(c.Request.Context(), eventID, userID)
			if err != nil {
				response.Internal(c, "failed to load event")
				c.Abort()
				return
			}
			if !ok {
				response.Forbidden(c, "not authorized for this event")
				c.Abort()
				return
			}
		}
		c.Set(ContextEventID, eventID)
		c.Next()
	}
}

// EventID returns the event authorized by RequireEventOwner.
func EventID(c *gin.Context) uuid.UUID {
	v, _ := c.Get(ContextEventID)
	id, _ := v.(uuid.UUID)
	return id
}
