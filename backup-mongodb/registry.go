package main

import (
	"context"

	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/mongo"
)

// connectionRegistry owns every client opened during a run so they are
// closed together on graceful stop or normal completion.
type connectionRegistry struct {
	clients []*mongo.Client
}

func (r *connectionRegistry) add(client *mongo.Client) {
	r.clients = append(r.clients, client)
}

func (r *connectionRegistry) closeAll(ctx context.Context) {
	for _, client := range r.clients {
		if err := client.Disconnect(ctx); err != nil {
			log.WithError(err).Warn("closing database connection")
		}
	}
	r.clients = nil
}
