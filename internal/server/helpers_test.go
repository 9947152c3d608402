package server

import (
	"context"
	"testing"

	"github.com/matt-riley/flagdoc/internal/source"
	"github.com/matt-riley/flagdoc/internal/store"
)

const testDocument = `{
	"new_checkout": {
		"default": false,
		"rules": {
			"beta users": {
				"when_match": true,
				"conditions": [{"action": "KEY_IN_VALUE", "key": "user_id", "value": [42, 43]}]
			}
		}
	},
	"dark_mode": {
		"default": true,
		"rules": {
			"legacy clients": {
				"when_match": false,
				"conditions": [{"action": "EQUALS", "key": "client", "value": "ie11"}]
			}
		}
	},
	"maintenance": {"default": false}
}`

func newLoadedStore(t testing.TB) *store.Store {
	t.Helper()
	st, err := store.New(source.Static(testDocument))
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	if err := st.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	return st
}

func newEmptyStore(t testing.TB) *store.Store {
	t.Helper()
	st, err := store.New(source.Static(nil))
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	return st
}
