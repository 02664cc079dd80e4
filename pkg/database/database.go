package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/BartekS5/convsync/pkg/logger"
	_ "github.com/microsoft/go-mssqldb"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	_ "modernc.org/sqlite"
)

// OpenSQL opens a database/sql handle for driverName and verifies it with a
// ping. The duckdb driver is registered by the binary, not here.
func OpenSQL(ctx context.Context, driverName, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening %s database: %w", driverName, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to %s database (ping failed): %w", driverName, err)
	}
	return db, nil
}

// ConnectMongo connects and pings the primary.
func ConnectMongo(ctx context.Context, connString string, log *logger.Logger) (*mongo.Client, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(connString))
	if err != nil {
		return nil, fmt.Errorf("error creating MongoDB client: %w", err)
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()

	err = client.Ping(pingCtx, readpref.Primary())
	if err != nil {
		DisconnectMongo(client)
		return nil, fmt.Errorf("error connecting to MongoDB (ping failed): %w", err)
	}

	log.Infof("Successfully connected to MongoDB.")
	return client, nil
}

// DisconnectMongo closes the client with a bounded timeout.
func DisconnectMongo(client *mongo.Client) {
	disconnectCtx, disconnectCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer disconnectCancel()
	_ = client.Disconnect(disconnectCtx)
}
