// Package sessiondb records program activity and recording sessions in a
// ClickHouse database. Without a working connection every method is a no-op,
// so acquisition never depends on the database.
package sessiondb

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/lokomatfes/nidaq"
)

// Options says where and how to reach the database.
type Options struct {
	Addr        string        `mapstructure:"addr"`
	Database    string        `mapstructure:"database"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// DefaultOptions are used for any zero-valued field of Options.
var DefaultOptions = Options{
	Addr:        "localhost:9000",
	Database:    "nidaq",
	DialTimeout: 5 * time.Second,
}

// Connection is a (possibly failed) connection to the database. Inserts are
// made from one goroutine, in the order they were requested.
type Connection struct {
	conn     clickhouse.Conn
	activity *ActivityMessage
	messages chan any

	mu  sync.Mutex // guards err
	err error

	sync.WaitGroup
}

// IsConnected tells whether the database is reachable and no insert has failed.
func (db *Connection) IsConnected() bool {
	if db == nil || db.conn == nil {
		return false
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.err == nil
}

// Err is the error that ended (or prevented) the connection, if any.
func (db *Connection) Err() error {
	if db == nil {
		return fmt.Errorf("no database connection")
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.err
}

func (db *Connection) fail(err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.err == nil {
		db.err = err
	}
}

// Connect opens and pings the database. The credentials come from the
// environment variables NIDAQ_DB_USER and NIDAQ_DB_PASSWORD. On failure the
// returned Connection is not connected and Err says why.
func Connect(opts Options) *Connection {
	if opts.Addr == "" {
		opts.Addr = DefaultOptions.Addr
	}
	if opts.Database == "" {
		opts.Database = DefaultOptions.Database
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultOptions.DialTimeout
	}
	db := &Connection{}
	auth := clickhouse.Auth{
		Database: opts.Database,
		Username: os.Getenv("NIDAQ_DB_USER"),
		Password: os.Getenv("NIDAQ_DB_PASSWORD"),
	}
	client := clickhouse.ClientInfo{
		Products: []struct {
			Name    string
			Version string
		}{
			{Name: "nidaq", Version: nidaq.Build.Version},
		},
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr:        []string{opts.Addr},
		Auth:        auth,
		ClientInfo:  client,
		DialTimeout: opts.DialTimeout,
	})
	if err != nil {
		db.err = err
		return db
	}
	ctx, cancel := context.WithTimeout(context.Background(), opts.DialTimeout)
	defer cancel()
	if err = conn.Ping(ctx); err != nil {
		if exception, ok := err.(*clickhouse.Exception); ok {
			nidaq.ProblemLogger.Printf("ClickHouse exception [%d] %s\n%s", exception.Code, exception.Message, exception.StackTrace)
		}
		conn.Close()
		db.err = err
		return db
	}
	db.conn = conn
	db.messages = make(chan any)
	return db
}

// Ping reports the server version, or why it could not be reached.
func Ping(opts Options) error {
	db := Connect(opts)
	if !db.IsConnected() {
		return fmt.Errorf("database is not connected: %w", db.Err())
	}
	defer db.conn.Close()
	v, err := db.conn.ServerVersion()
	if err != nil {
		return err
	}
	fmt.Printf("ClickHouse server is alive. Version:\n%s\n", v)
	return nil
}

// Start records the activity and handles inserts until abort is closed, at
// which point the activity's end time is recorded and the connection closed.
// Use Wait to learn when that is done.
func (db *Connection) Start(activity *ActivityMessage, abort <-chan struct{}) {
	db.activity = activity
	if !db.IsConnected() {
		return
	}
	db.insertActivity()
	db.Add(1)
	go db.handleConnection(abort)
}

func (db *Connection) handleConnection(abort <-chan struct{}) {
	defer db.Done()
	for {
		select {
		case <-abort:
			db.activity.End = time.Now()
			db.insertActivity()
			if err := db.conn.Close(); err != nil {
				nidaq.ProblemLogger.Printf("closing database connection: %v", err)
			}
			return
		case m := <-db.messages:
			switch msg := m.(type) {
			case *SessionMessage:
				db.insertSession(msg)
			case []ChannelMessage:
				db.insertChannels(msg)
			}
		}
	}
}

// send hands m to the insert goroutine. It blocks until accepted, so that
// inserts happen in the order requested.
func (db *Connection) send(m any) {
	if !db.IsConnected() || db.messages == nil {
		return
	}
	db.messages <- m
}

// RecordSession inserts (or, with End set, completes) a session row.
func (db *Connection) RecordSession(msg *SessionMessage) {
	if msg == nil {
		return
	}
	m := *msg
	db.send(&m)
}

// RecordChannels inserts one row per channel of a session.
func (db *Connection) RecordChannels(msgs []ChannelMessage) {
	if len(msgs) == 0 {
		return
	}
	db.send(msgs)
}

func (db *Connection) insert(table, query string, args ...any) {
	ctx := context.Background()
	const nowait = false
	if err := db.conn.AsyncInsert(ctx, query, nowait, args...); err != nil {
		nidaq.ProblemLogger.Printf("AsyncInsert into %s: %v", table, err)
		db.fail(err)
	}
}

func (db *Connection) insertActivity() {
	if db.activity == nil || !db.IsConnected() {
		return
	}
	a := db.activity
	db.insert("nidaqactivity", `INSERT INTO nidaqactivity VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Hostname, a.Githash, a.Version, a.GoVersion, a.CPUs,
		a.Start.Format(timeFormat), a.End.Format(timeFormat))
}

func (db *Connection) insertSession(m *SessionMessage) {
	if !db.IsConnected() {
		return
	}
	db.insert("sessions", `INSERT INTO sessions VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ActivityID, m.Nchannels, m.FrameRate, m.SamplesPerBlock, m.T0Offset,
		m.Blocks, m.Samples, m.Start.Format(timeFormat), m.End.Format(timeFormat))
}

func (db *Connection) insertChannels(msgs []ChannelMessage) {
	for _, m := range msgs {
		if !db.IsConnected() {
			return
		}
		db.insert("channels", `INSERT INTO channels VALUES (?, ?, ?)`, m.SessionID, m.ChanIndex, m.ChanName)
	}
}
