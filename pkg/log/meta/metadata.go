package meta

import (
	"context"
	"github.com/sirupsen/logrus"
	"sync"
)

// Well known keys carried by request metadata.
const (
	RequestIDKey = "request_id"
	AccountKey   = "account"
	ChainIDKey   = "chain_id"
)

// 元信息对象
type metadata struct {
	// 同步map，确保并发安全
	carrier map[string]interface{}
	mu      sync.RWMutex
}

func (c *metadata) Value(key string) interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.carrier[key]
}

func (c *metadata) WithValue(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.carrier[key] = value
}

func (c *metadata) fields() logrus.Fields {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fields := make(logrus.Fields, len(c.carrier))
	for k, v := range c.carrier {
		fields[k] = v
	}
	return fields
}

type contextKey struct{}

var metaContextKey = contextKey{}

// Begin attaches a metadata carrier to parent and returns the child context.
// If parent already carries one, parent is returned unchanged, so calling
// Begin several times along a request is safe. Call it close to the root
// context of the request.
func Begin(parent context.Context) context.Context {
	value := parent.Value(metaContextKey)
	if value == nil {
		meta := &metadata{
			carrier: make(map[string]interface{}),
		}
		return context.WithValue(parent, metaContextKey, meta)
	}
	return parent
}

func metadataFrom(parent context.Context) *metadata {
	value := parent.Value(metaContextKey)
	if value == nil {
		logrus.Debug("meta not found from context, should call meta.Begin() first?")
		return nil
	}
	return value.(*metadata)
}

// WithValue stores key/val in the carrier of parent. It is a no-op when
// Begin was never called on the chain.
func WithValue(parent context.Context, key string, val interface{}) {
	meta := metadataFrom(parent)
	if meta == nil {
		return
	}
	meta.WithValue(key, val)
}

// Value reads key from the carrier of parent.
func Value(parent context.Context, key string) interface{} {
	meta := metadataFrom(parent)
	if meta == nil {
		return nil
	}
	return meta.Value(key)
}

// Fields returns a copy of everything stored in the carrier of parent.
func Fields(parent context.Context) logrus.Fields {
	meta := metadataFrom(parent)
	if meta == nil {
		return logrus.Fields{}
	}
	return meta.fields()
}
