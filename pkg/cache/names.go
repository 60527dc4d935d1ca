// Package cache resolves entity ids to display names through registration
// tables, keeping recent answers in an LRU.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	lru "github.com/hashicorp/golang-lru"

	"github.com/nicktill/tinyapm/pkg/metrics"
	"github.com/nicktill/tinyapm/pkg/model"
	"github.com/nicktill/tinyapm/pkg/storage"
)

// DefaultSize is the number of names kept per resolver.
const DefaultSize = 10000

// ErrUnknown is returned when an id has no usable registration.
var ErrUnknown = errors.New("cache: unknown entity")

// LookupFunc loads the name of id from its source of truth. It returns
// ErrUnknown when there is nothing to show.
type LookupFunc func(ctx context.Context, id int) (string, error)

// Names is a read-through name cache. Only successful lookups are cached, so a
// late registration becomes visible on the next Resolve.
type Names struct {
	kind   string
	lookup LookupFunc
	names  *lru.Cache
}

// NewNames builds a resolver for one kind of entity.
func NewNames(kind string, size int, lookup LookupFunc) (*Names, error) {
	if size <= 0 {
		size = DefaultSize
	}
	names, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Names{kind: kind, lookup: lookup, names: names}, nil
}

// Resolve returns the display name of id.
func (n *Names) Resolve(ctx context.Context, id int) (string, error) {
	if v, ok := n.names.Get(id); ok {
		metrics.CacheLookup(n.kind, "hit")
		return v.(string), nil
	}

	name, err := n.lookup(ctx, id)
	if err != nil {
		if errors.Is(err, ErrUnknown) {
			metrics.CacheLookup(n.kind, "unknown")
		}
		return "", err
	}
	metrics.CacheLookup(n.kind, "miss")
	n.names.Add(id, name)
	return name, nil
}

// Invalidate forgets id, e.g. after it was registered again.
func (n *Names) Invalidate(id int) {
	n.names.Remove(id)
}

// Len returns the number of cached names.
func (n *Names) Len() int { return n.names.Len() }

func getRecord[T storage.Record](ctx context.Context, dao storage.PersistenceDAO[T], kind string, id int) (T, error) {
	rec, err := dao.Get(ctx, strconv.Itoa(id))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return rec, fmt.Errorf("%w: %s %d", ErrUnknown, kind, id)
		}
		return rec, err
	}
	return rec, nil
}

// InstanceHosts resolves instance ids to the host name reported in the
// instance's OS info.
func InstanceHosts(dao storage.PersistenceDAO[*model.Instance], size int) (*Names, error) {
	return NewNames("instance", size, func(ctx context.Context, id int) (string, error) {
		inst, err := getRecord(ctx, dao, "instance", id)
		if err != nil {
			return "", err
		}
		host, ok := inst.HostName()
		if !ok {
			return "", fmt.Errorf("%w: instance %d has no host name", ErrUnknown, id)
		}
		return host, nil
	})
}

// ServiceNames resolves service ids to their registered names.
func ServiceNames(dao storage.PersistenceDAO[*model.ServiceName], size int) (*Names, error) {
	return NewNames("service", size, func(ctx context.Context, id int) (string, error) {
		svc, err := getRecord(ctx, dao, "service", id)
		if err != nil {
			return "", err
		}
		if svc.Name == "" {
			return "", fmt.Errorf("%w: service %d has no name", ErrUnknown, id)
		}
		return svc.Name, nil
	})
}

// ApplicationCodes resolves application ids to their codes.
func ApplicationCodes(dao storage.PersistenceDAO[*model.Application], size int) (*Names, error) {
	return NewNames("application", size, func(ctx context.Context, id int) (string, error) {
		app, err := getRecord(ctx, dao, "application", id)
		if err != nil {
			return "", err
		}
		if app.Code == "" {
			return "", fmt.Errorf("%w: application %d has no code", ErrUnknown, id)
		}
		return app.Code, nil
	})
}
