// Package mongo provides a thin health-pingable wrapper around the official
// MongoDB driver. Callers either hand in an established *mongo.Client or a
// connection URI; the wrapper owns the database handle, the per-operation
// timeout, and the health surface, and store/mongo builds its collections on
// top of it.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"goa.design/clue/health"
)

const (
	defaultDatabase  = "corpus"
	defaultOpTimeout = 5 * time.Second
	clientName       = "corpus-mongo"
)

type (
	// Options configures the Mongo client wrapper.
	Options struct {
		// Client is an established driver connection. Required unless URI
		// is set; when both are set Client wins and URI is ignored.
		Client *mongodriver.Client
		// URI dials a new connection owned by the wrapper.
		URI string
		// Database names the database holding the corpus collections.
		// Defaults to "corpus".
		Database string
		// Timeout bounds individual operations. Defaults to 5s.
		Timeout time.Duration
	}

	// Client exposes the database handle plus the health surface consumed by
	// the clue health checker.
	Client interface {
		health.Pinger

		// Collection returns a handle on the named collection in the
		// configured database.
		Collection(name string) *mongodriver.Collection
		// Timeout returns the per-operation bound stores should apply.
		Timeout() time.Duration
		// Close disconnects a connection dialed from Options.URI.
		// Connections passed in through Options.Client stay open.
		Close(ctx context.Context) error
	}

	client struct {
		mongo   *mongodriver.Client
		db      *mongodriver.Database
		timeout time.Duration
		owned   bool
	}
)

// New returns a Client backed by MongoDB. When Options.Client is nil it dials
// Options.URI and takes ownership of the resulting connection.
func New(ctx context.Context, opts Options) (Client, error) {
	mc := opts.Client
	owned := false
	if mc == nil {
		if opts.URI == "" {
			return nil, errors.New("mongo client or URI is required")
		}
		var err error
		mc, err = mongodriver.Connect(ctx, options.Client().ApplyURI(opts.URI))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		owned = true
	}
	db := opts.Database
	if db == "" {
		db = defaultDatabase
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{mongo: mc, db: mc.Database(db), timeout: timeout, owned: owned}, nil
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) Collection(name string) *mongodriver.Collection {
	return c.db.Collection(name)
}

func (c *client) Timeout() time.Duration {
	return c.timeout
}

func (c *client) Close(ctx context.Context) error {
	if !c.owned {
		return nil
	}
	return c.mongo.Disconnect(ctx)
}
