package db

import (
	"context"
	"testing"
)

func TestNewPool_InvalidURL(t *testing.T) {
	if _, err := NewPool(context.Background(), "://not a url", 4, 1); err == nil {
		t.Fatal("expected an error for an unparsable database url")
	}
}
