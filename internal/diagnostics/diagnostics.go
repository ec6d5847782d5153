// Package diagnostics implements an optional fleet-wide stats and
// heartbeat exporter, periodically writing a server node's replay
// statistics to MongoDB for offline fleet monitoring.
package diagnostics

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"time"

	c "github.com/skywave-mesh/storeforward-node/internal/config"
	"github.com/skywave-mesh/storeforward-node/internal/event"
	"github.com/skywave-mesh/storeforward-node/internal/logger"
	"github.com/skywave-mesh/storeforward-node/internal/messenger"
	"github.com/skywave-mesh/storeforward-node/internal/timeparse"
	"github.com/skywave-mesh/storeforward-node/internal/transport"

	"github.com/montanaflynn/stats"
	uuid "github.com/satori/go.uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const snapshotCollectionName = "sf_snapshots"

// Snapshot is one node's reported statistics plus replay-latency
// percentiles at a point in time, the document shape stored in Mongo.
type Snapshot struct {
	ID              string    `bson:"_id"`
	NodeID          uint32    `bson:"node_id"`
	CollectedAt     time.Time `bson:"collected_at"`
	MessagesTotal   uint32    `bson:"messages_total"`
	MessagesSaved   uint32    `bson:"messages_saved"`
	MessagesMax     uint32    `bson:"messages_max"`
	UpTimeS         uint32    `bson:"up_time_s"`
	Requests        uint32    `bson:"requests"`
	RequestsHistory uint32    `bson:"requests_history"`
	ReplayP50Ms     float64   `bson:"replay_p50_ms"`
	ReplayP95Ms     float64   `bson:"replay_p95_ms"`
	ReplaySamples   int       `bson:"replay_samples"`
}

// StatsSource is the subset of the server role the exporter samples. The
// interface keeps this package decoupled from serverrole.Server's
// concrete type.
type StatsSource interface {
	Self() transport.NodeID
	StatsSnapshot() messenger.Stats
	DrainReplayLatenciesMs() []float64
}

// closeCallback disconnects the Mongo client on shutdown, registered with
// the event.Cleaner the same way other long-lived connections in this
// module register their teardown.
type closeCallback struct {
	client           *mongo.Client
	operationTimeout time.Duration
}

func (cc *closeCallback) Invoke(ctx context.Context) error {
	logger.InfoF("diagnostics: closing database connection")
	ctx, cancel := context.WithTimeout(context.Background(), cc.operationTimeout)
	defer cancel()
	return cc.client.Disconnect(ctx)
}

// Exporter periodically samples a StatsSource and writes a Snapshot
// document to Mongo.
type Exporter struct {
	client           *mongo.Client
	collection       *mongo.Collection
	operationTimeout time.Duration
}

// Connect opens the Mongo connection described by cfg and registers its
// shutdown with the cleaner: connection pool sizing, timeouts, and
// optional TLS are all set from cfg before the first ping.
func Connect(cfg c.DiagnosticsConfig, appName string) (*Exporter, error) {
	operationTimeout := timeparse.ParseStringTime(cfg.OperationTimeout)

	encodedUser := url.QueryEscape(cfg.Username)
	encodedPass := url.QueryEscape(cfg.Password)
	uri := fmt.Sprintf("mongodb://%s:%s@%s:%d/?authSource=admin",
		encodedUser, encodedPass, cfg.Host, cfg.Port)

	clientOptions := options.Client().ApplyURI(uri).SetAppName(appName)
	clientOptions.SetMinPoolSize(cfg.MinPoolSize)
	clientOptions.SetMaxPoolSize(cfg.MaxPoolSize)
	clientOptions.SetConnectTimeout(timeparse.ParseStringTime(cfg.ConnectTimeout))
	clientOptions.SetSocketTimeout(timeparse.ParseStringTime(cfg.SocketTimeout))
	clientOptions.SetHeartbeatInterval(timeparse.ParseStringTime(cfg.Heartbeat))
	if cfg.UseTLS {
		clientOptions.SetTLSConfig(&tls.Config{InsecureSkipVerify: false})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("diagnostics: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("diagnostics: ping: %w", err)
	}

	collection := client.Database(cfg.Database).Collection(snapshotCollectionName)

	_, err = collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "node_id", Value: 1}, {Key: "collected_at", Value: -1}},
		Options: options.Index().SetName("sf_snapshots_node_id_collected_at"),
	})
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("diagnostics: creating index: %w", err)
	}

	event.NewCleaner().Add(&closeCallback{client: client, operationTimeout: operationTimeout})

	return &Exporter{client: client, collection: collection, operationTimeout: operationTimeout}, nil
}

// Export samples src and inserts one Snapshot document.
func (e *Exporter) Export(ctx context.Context, src StatsSource) error {
	snap := e.buildSnapshot(src)

	ctx, cancel := context.WithTimeout(ctx, e.operationTimeout)
	defer cancel()

	_, err := e.collection.InsertOne(ctx, snap)
	if err != nil {
		return fmt.Errorf("diagnostics: insert snapshot: %w", err)
	}
	return nil
}

func (e *Exporter) buildSnapshot(src StatsSource) Snapshot {
	st := src.StatsSnapshot()
	latencies := src.DrainReplayLatenciesMs()

	var p50, p95 float64
	if len(latencies) > 0 {
		p50, _ = stats.Percentile(latencies, 50)
		p95, _ = stats.Percentile(latencies, 95)
	}

	return Snapshot{
		ID:              uuid.NewV4().String(),
		NodeID:          uint32(src.Self()),
		CollectedAt:     time.Now().UTC(),
		MessagesTotal:   st.MessagesTotal,
		MessagesSaved:   st.MessagesSaved,
		MessagesMax:     st.MessagesMax,
		UpTimeS:         st.UpTimeS,
		Requests:        st.Requests,
		RequestsHistory: st.RequestsHistory,
		ReplayP50Ms:     p50,
		ReplayP95Ms:     p95,
		ReplaySamples:   len(latencies),
	}
}
