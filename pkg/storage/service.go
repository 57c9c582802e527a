package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"extbridge/pkg/bridge"
)

// Namespace is the prefix storage methods are exposed under.
const Namespace = "database"

// AIResource holds AI provider registrations keyed by their name.
const AIResource = "ai"

var ErrInvalidArgument = errors.New("invalid argument")

// Methods returns the bridge handlers for the given resources plus the AI
// provider registry. Keys are relative to Namespace, for example
// "settings.get" or "ai.registerAi".
//
// Each resource gets:
//
//	<resource>.get(key)          stored value
//	<resource>.put(key, value)   true
//	<resource>.delete(key)       whether key existed
//	<resource>.list()            [{key, value}] ordered by key
func Methods(store *Store, resources ...string) map[string]bridge.Handler {
	methods := make(map[string]bridge.Handler, len(resources)*4+3)

	for _, resource := range resources {
		resource = strings.TrimSpace(resource)
		if resource == "" || resource == AIResource {
			continue
		}
		methods[resource+".get"] = getHandler(store, resource)
		methods[resource+".put"] = putHandler(store, resource)
		methods[resource+".delete"] = deleteHandler(store, resource)
		methods[resource+".list"] = listHandler(store, resource)
	}

	methods["ai.registerAi"] = registerAIHandler(store)
	methods["ai.listAi"] = listAIHandler(store)
	methods["ai.removeAi"] = removeAIHandler(store)

	return methods
}

func getHandler(store *Store, resource string) bridge.Handler {
	return func(ctx context.Context, args []any) (any, error) {
		key, err := stringArg(args, 0, "key")
		if err != nil {
			return nil, err
		}

		raw, err := store.Get(ctx, resource, key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, fmt.Errorf("%s %q not found", resource, key)
			}
			return nil, err
		}
		return decode(raw)
	}
}

func putHandler(store *Store, resource string) bridge.Handler {
	return func(ctx context.Context, args []any) (any, error) {
		key, err := stringArg(args, 0, "key")
		if err != nil {
			return nil, err
		}
		if len(args) < 2 {
			return nil, fmt.Errorf("%w: value is required", ErrInvalidArgument)
		}

		if err := store.Put(ctx, resource, key, args[1]); err != nil {
			return nil, err
		}
		return true, nil
	}
}

func deleteHandler(store *Store, resource string) bridge.Handler {
	return func(ctx context.Context, args []any) (any, error) {
		key, err := stringArg(args, 0, "key")
		if err != nil {
			return nil, err
		}
		return store.Delete(ctx, resource, key)
	}
}

func listHandler(store *Store, resource string) bridge.Handler {
	return func(ctx context.Context, _ []any) (any, error) {
		records, err := store.List(ctx, resource)
		if err != nil {
			return nil, err
		}

		out := make([]any, 0, len(records))
		for _, record := range records {
			value, err := decode(record.Value)
			if err != nil {
				return nil, err
			}
			out = append(out, map[string]any{"key": record.Key, "value": value})
		}
		return out, nil
	}
}

func registerAIHandler(store *Store) bridge.Handler {
	return func(ctx context.Context, args []any) (any, error) {
		if len(args) == 0 {
			return nil, fmt.Errorf("%w: provider config is required", ErrInvalidArgument)
		}
		cfg, ok := args[0].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: provider config must be an object", ErrInvalidArgument)
		}
		name, _ := cfg["name"].(string)
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("%w: provider config needs a name", ErrInvalidArgument)
		}

		if err := store.Put(ctx, AIResource, name, cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}
}

func listAIHandler(store *Store) bridge.Handler {
	return func(ctx context.Context, _ []any) (any, error) {
		records, err := store.List(ctx, AIResource)
		if err != nil {
			return nil, err
		}

		out := make([]any, 0, len(records))
		for _, record := range records {
			value, err := decode(record.Value)
			if err != nil {
				return nil, err
			}
			out = append(out, value)
		}
		return out, nil
	}
}

func removeAIHandler(store *Store) bridge.Handler {
	return func(ctx context.Context, args []any) (any, error) {
		name, err := stringArg(args, 0, "name")
		if err != nil {
			return nil, err
		}
		return store.Delete(ctx, AIResource, name)
	}
}

func stringArg(args []any, index int, name string) (string, error) {
	if len(args) <= index {
		return "", fmt.Errorf("%w: %s is required", ErrInvalidArgument, name)
	}
	value, ok := args[index].(string)
	if !ok || strings.TrimSpace(value) == "" {
		return "", fmt.Errorf("%w: %s must be a non-empty string", ErrInvalidArgument, name)
	}
	return value, nil
}

func decode(raw json.RawMessage) (any, error) {
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("decode stored value: %w", err)
	}
	return value, nil
}
