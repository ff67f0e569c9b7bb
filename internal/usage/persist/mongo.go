package persist

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/powerwatch/internal/errors"
	"github.com/xtxerr/powerwatch/internal/usage/types"
)

// MongoBackendName identifies the MongoDB backend.
const MongoBackendName = "mongodb"

// Collection names.
const (
	collHistory = "historical_data"
	collStats   = "usage_stats"
	collMeter   = "meter_data"
)

// MongoOptions configures NewMongo.
type MongoOptions struct {
	URI            string
	Database       string
	ConnectTimeout time.Duration
	MaxHistory     int
	Location       *time.Location
}

// Mongo stores history readings as one document each and every bucket as
// one usage_stats document keyed by (stat_type, time_key). Flushes write
// only what changed since the previous flush.
type Mongo struct {
	client     *mongo.Client
	db         *mongo.Database
	loc        *time.Location
	maxHistory int

	mu             sync.Mutex
	lastFlushed    *types.Snapshot
	flushedHistory []types.Reading
	flushes        int64
}

type historyDoc struct {
	Timestamp       time.Time        `bson:"timestamp"`
	RemainingPower  bson.Decimal128  `bson:"remaining_power"`
	RemainingAmount *bson.Decimal128 `bson:"remaining_amount,omitempty"`
	UnitPrice       *bson.Decimal128 `bson:"unit_price,omitempty"`
	Name            string           `bson:"name,omitempty"`
	Number          string           `bson:"number,omitempty"`
}

type bucketDoc struct {
	Usage       bson.Decimal128  `bson:"usage"`
	SampleCount int64            `bson:"sample_count"`
	LastPower   bson.Decimal128  `bson:"last_power"`
	PeakPower   *bson.Decimal128 `bson:"peak_power,omitempty"`
}

type statDoc struct {
	StatType  string    `bson:"stat_type"`
	TimeKey   string    `bson:"time_key"`
	Data      bucketDoc `bson:"data"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// NewMongo connects and pings the server. Any failure is returned wrapped in
// ErrBackendUnavailable; there is no reconnection afterwards.
func NewMongo(ctx context.Context, opts MongoOptions) (*Mongo, error) {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = 1000
	}

	client, err := mongo.Connect(options.Client().
		ApplyURI(opts.URI).
		SetConnectTimeout(opts.ConnectTimeout).
		SetServerSelectionTimeout(opts.ConnectTimeout))
	if err != nil {
		return nil, fmt.Errorf("%w: connect: %w", errors.ErrBackendUnavailable, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()

	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("%w: ping: %w", errors.ErrBackendUnavailable, err)
	}

	m := &Mongo{
		client:     client,
		db:         client.Database(opts.Database),
		loc:        opts.Location,
		maxHistory: opts.MaxHistory,
	}

	if err := m.createIndexes(pingCtx); err != nil {
		log.Warn("failed to create mongodb indexes", "error", err)
	}

	log.Info("connected to mongodb", "database", opts.Database)
	return m, nil
}

func (m *Mongo) createIndexes(ctx context.Context) error {
	_, err := m.db.Collection(collHistory).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "timestamp", Value: -1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return err
	}
	_, err = m.db.Collection(collStats).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "stat_type", Value: 1}, {Key: "time_key", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	})
	if err != nil {
		return err
	}
	_, err = m.db.Collection(collMeter).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "number", Value: 1}},
	})
	return err
}

// Name returns "mongodb".
func (m *Mongo) Name() string { return MongoBackendName }

// Available is always true; an unreachable server never yields a *Mongo.
func (m *Mongo) Available() bool { return true }

// Flush upserts the readings appended since the last flush, upserts buckets
// whose values changed, deletes evicted buckets and upserts the latest
// reading into meter_data. The three collections are written concurrently.
func (m *Mongo) Flush(ctx context.Context, snap *types.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var prev *types.Snapshot
	if m.lastFlushed != nil {
		prev = m.lastFlushed
	} else {
		prev = types.NewSnapshot()
	}

	appended := newReadings(m.flushedHistory, snap.History)

	historyModels, err := historyWrites(appended)
	if err != nil {
		return errors.NewPersistenceFailure(MongoBackendName, "encode", err)
	}

	now := time.Now()
	var statModels []mongo.WriteModel
	for _, res := range types.AllResolutions() {
		upserts, deletes := diffBuckets(prev.Buckets[res], snap.Buckets[res])
		for _, key := range upserts {
			data, err := toBucketDoc(snap.Buckets[res][key])
			if err != nil {
				return errors.NewPersistenceFailure(MongoBackendName, "encode", err)
			}
			filter := bson.D{{Key: "stat_type", Value: res.String()}, {Key: "time_key", Value: key}}
			statModels = append(statModels, mongo.NewReplaceOneModel().
				SetFilter(filter).
				SetReplacement(statDoc{StatType: res.String(), TimeKey: key, Data: data, UpdatedAt: now}).
				SetUpsert(true))
		}
		for _, key := range deletes {
			statModels = append(statModels, mongo.NewDeleteOneModel().
				SetFilter(bson.D{{Key: "stat_type", Value: res.String()}, {Key: "time_key", Value: key}}))
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if len(historyModels) > 0 {
		g.Go(func() error {
			coll := m.db.Collection(collHistory)
			if _, err := coll.BulkWrite(gctx, historyModels, options.BulkWrite().SetOrdered(false)); err != nil {
				return fmt.Errorf("write history: %w", err)
			}
			return m.trimHistory(gctx)
		})
	}

	if len(statModels) > 0 {
		g.Go(func() error {
			_, err := m.db.Collection(collStats).BulkWrite(gctx, statModels, options.BulkWrite().SetOrdered(false))
			if err != nil {
				return fmt.Errorf("write usage stats: %w", err)
			}
			return nil
		})
	}

	if latest, ok := snap.Latest(); ok && len(appended) > 0 {
		g.Go(func() error {
			doc, err := toHistoryDoc(latest)
			if err != nil {
				return err
			}
			_, err = m.db.Collection(collMeter).ReplaceOne(gctx,
				bson.D{{Key: "number", Value: latest.MeterNumber}},
				bson.M{
					"timestamp":        doc.Timestamp,
					"remaining_power":  doc.RemainingPower,
					"remaining_amount": doc.RemainingAmount,
					"unit_price":       doc.UnitPrice,
					"name":             doc.Name,
					"number":           doc.Number,
					"updated_at":       now,
				},
				options.Replace().SetUpsert(true))
			if err != nil {
				return fmt.Errorf("upsert meter data: %w", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		// Both diffs stay against the last full flush, so the next flush
		// rewrites whatever this one missed. History upserts are keyed by
		// timestamp and safe to repeat.
		return errors.NewPersistenceFailure(MongoBackendName, "flush", err)
	}

	m.flushedHistory = snap.History
	m.lastFlushed = snap
	m.flushes++
	return nil
}

// trimHistory deletes readings older than the newest maxHistory. The unique
// timestamp index means no reading shares the boundary's timestamp.
func (m *Mongo) trimHistory(ctx context.Context) error {
	coll := m.db.Collection(collHistory)

	var boundary historyDoc
	err := coll.FindOne(ctx, bson.D{},
		options.FindOne().
			SetSort(bson.D{{Key: "timestamp", Value: -1}}).
			SetSkip(int64(m.maxHistory-1))).Decode(&boundary)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("find trim boundary: %w", err)
	}

	res, err := coll.DeleteMany(ctx, bson.D{{Key: "timestamp", Value: bson.D{{Key: "$lt", Value: boundary.Timestamp}}}})
	if err != nil {
		return fmt.Errorf("trim history: %w", err)
	}
	if res.DeletedCount > 0 {
		log.Debug("trimmed mongodb history", "deleted", res.DeletedCount)
	}
	return nil
}

// Load reads the newest maxHistory readings and every usage_stats document.
func (m *Mongo) Load(ctx context.Context) (*types.Snapshot, error) {
	snap := types.NewSnapshot()

	cursor, err := m.db.Collection(collHistory).Find(ctx, bson.D{},
		options.Find().
			SetSort(bson.D{{Key: "timestamp", Value: -1}}).
			SetLimit(int64(m.maxHistory)))
	if err != nil {
		return nil, errors.NewPersistenceFailure(MongoBackendName, "load", err)
	}
	var historyDocs []historyDoc
	if err := cursor.All(ctx, &historyDocs); err != nil {
		return nil, errors.NewPersistenceFailure(MongoBackendName, "load", err)
	}

	snap.History = make([]types.Reading, len(historyDocs))
	for i, doc := range historyDocs {
		r, err := fromHistoryDoc(doc, m.loc)
		if err != nil {
			return nil, errors.NewPersistenceFailure(MongoBackendName, "decode", err)
		}
		// Newest first on the wire.
		snap.History[len(historyDocs)-1-i] = r
	}

	cursor, err = m.db.Collection(collStats).Find(ctx, bson.D{})
	if err != nil {
		return nil, errors.NewPersistenceFailure(MongoBackendName, "load", err)
	}
	var statDocs []statDoc
	if err := cursor.All(ctx, &statDocs); err != nil {
		return nil, errors.NewPersistenceFailure(MongoBackendName, "load", err)
	}

	for _, doc := range statDocs {
		res, err := types.ParseResolution(doc.StatType)
		if err != nil {
			log.Warn("skipping usage stat with unknown type", "stat_type", doc.StatType, "time_key", doc.TimeKey)
			continue
		}
		b, err := fromBucketDoc(doc.Data)
		if err != nil {
			return nil, errors.NewPersistenceFailure(MongoBackendName, "decode", err)
		}
		snap.Buckets[res][doc.TimeKey] = b
	}

	m.mu.Lock()
	m.lastFlushed = snap.Clone()
	m.flushedHistory = m.lastFlushed.History
	m.mu.Unlock()

	log.Info("loaded from mongodb", "history", len(snap.History), "usage_stats", len(statDocs))
	return snap, nil
}

// Close disconnects the client.
func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

// Stats returns per-collection document counts.
func (m *Mongo) Stats(ctx context.Context) (map[string]any, error) {
	stats := map[string]any{
		"database": m.db.Name(),
	}
	for key, coll := range map[string]string{
		"historical_records":  collHistory,
		"usage_stats_records": collStats,
	} {
		n, err := m.db.Collection(coll).CountDocuments(ctx, bson.D{})
		if err != nil {
			return nil, errors.NewPersistenceFailure(MongoBackendName, "stats", err)
		}
		stats[key] = n
	}

	m.mu.Lock()
	stats["flushes"] = m.flushes
	m.mu.Unlock()
	return stats, nil
}

// =============================================================================
// Diffing and document conversion
// =============================================================================

// newReadings returns the suffix of cur appended after the last reading of
// prev. When prev's last reading is not found in cur, all of cur is new.
func newReadings(prev, cur []types.Reading) []types.Reading {
	if len(prev) == 0 {
		return cur
	}
	last := prev[len(prev)-1]
	for i := len(cur) - 1; i >= 0; i-- {
		if cur[i].Timestamp.Equal(last.Timestamp) && cur[i].RemainingPower.Equal(last.RemainingPower) {
			return cur[i+1:]
		}
	}
	return cur
}

// historyWrites returns one upsert per reading, keyed by timestamp. A
// repeated reading replaces its earlier copy instead of duplicating it.
func historyWrites(readings []types.Reading) ([]mongo.WriteModel, error) {
	models := make([]mongo.WriteModel, 0, len(readings))
	for _, r := range readings {
		doc, err := toHistoryDoc(r)
		if err != nil {
			return nil, err
		}
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(bson.D{{Key: "timestamp", Value: doc.Timestamp}}).
			SetReplacement(doc).
			SetUpsert(true))
	}
	return models, nil
}

// diffBuckets returns the keys of cur that are new or changed relative to
// prev, and the keys of prev that are gone from cur. Both are sorted.
func diffBuckets(prev, cur types.BucketMap) (upserts, deletes []string) {
	for _, key := range cur.Keys() {
		if old, ok := prev[key]; !ok || !old.Equal(cur[key]) {
			upserts = append(upserts, key)
		}
	}
	for _, key := range prev.Keys() {
		if _, ok := cur[key]; !ok {
			deletes = append(deletes, key)
		}
	}
	return upserts, deletes
}

func toDecimal(q types.Quantity) (bson.Decimal128, error) {
	d, err := bson.ParseDecimal128(q.String())
	if err != nil {
		return bson.Decimal128{}, fmt.Errorf("decimal %s: %w", q, err)
	}
	return d, nil
}

func toDecimalPtr(q *types.Quantity) (*bson.Decimal128, error) {
	if q == nil {
		return nil, nil
	}
	d, err := toDecimal(*q)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func fromDecimal(d bson.Decimal128) (types.Quantity, error) {
	return types.NewQuantity(d.String())
}

func fromDecimalPtr(d *bson.Decimal128) (*types.Quantity, error) {
	if d == nil {
		return nil, nil
	}
	q, err := fromDecimal(*d)
	if err != nil {
		return nil, err
	}
	return &q, nil
}

func toHistoryDoc(r types.Reading) (historyDoc, error) {
	power, err := toDecimal(r.RemainingPower)
	if err != nil {
		return historyDoc{}, err
	}
	amount, err := toDecimalPtr(r.RemainingAmount)
	if err != nil {
		return historyDoc{}, err
	}
	price, err := toDecimalPtr(r.UnitPrice)
	if err != nil {
		return historyDoc{}, err
	}
	return historyDoc{
		Timestamp:       r.Timestamp,
		RemainingPower:  power,
		RemainingAmount: amount,
		UnitPrice:       price,
		Name:            r.MeterName,
		Number:          r.MeterNumber,
	}, nil
}

func fromHistoryDoc(doc historyDoc, loc *time.Location) (types.Reading, error) {
	power, err := fromDecimal(doc.RemainingPower)
	if err != nil {
		return types.Reading{}, err
	}
	amount, err := fromDecimalPtr(doc.RemainingAmount)
	if err != nil {
		return types.Reading{}, err
	}
	price, err := fromDecimalPtr(doc.UnitPrice)
	if err != nil {
		return types.Reading{}, err
	}
	return types.Reading{
		Timestamp:       doc.Timestamp.In(loc),
		RemainingPower:  power,
		RemainingAmount: amount,
		UnitPrice:       price,
		MeterName:       doc.Name,
		MeterNumber:     doc.Number,
	}, nil
}

func toBucketDoc(b types.Bucket) (bucketDoc, error) {
	usage, err := toDecimal(b.Usage)
	if err != nil {
		return bucketDoc{}, err
	}
	last, err := toDecimal(b.LastPower)
	if err != nil {
		return bucketDoc{}, err
	}
	peak, err := toDecimalPtr(b.PeakPower)
	if err != nil {
		return bucketDoc{}, err
	}
	return bucketDoc{Usage: usage, SampleCount: b.SampleCount, LastPower: last, PeakPower: peak}, nil
}

func fromBucketDoc(doc bucketDoc) (types.Bucket, error) {
	usage, err := fromDecimal(doc.Usage)
	if err != nil {
		return types.Bucket{}, err
	}
	last, err := fromDecimal(doc.LastPower)
	if err != nil {
		return types.Bucket{}, err
	}
	peak, err := fromDecimalPtr(doc.PeakPower)
	if err != nil {
		return types.Bucket{}, err
	}
	return types.Bucket{Usage: usage, SampleCount: doc.SampleCount, LastPower: last, PeakPower: peak}, nil
}
