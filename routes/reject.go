package routes

import (
	"context"
	"errors"

	"github.com/Tonytony5278/narc-sub001/middleware"
)

// rejectAll backs protected routes when no validator was wired
type rejectAll struct{}

func (rejectAll) ValidateToken(context.Context, string) (*middleware.Claims, error) {
	return nil, errors.New("authentication not configured")
}
