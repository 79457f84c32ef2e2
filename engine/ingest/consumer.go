package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/nats-io/nats.go"

	"github.com/WessleyAI/filings-analyst/engine/domain"
	"github.com/WessleyAI/filings-analyst/pkg/natsutil"
)

const (
	// IngestSubject carries Jobs for the worker.
	IngestSubject = "filings.ingest"
	// StatusSubject carries StatusEvents.
	StatusSubject = "filings.ingest.status"
	// DLQSubject is the dead letter queue subject for failed jobs.
	DLQSubject = "filings.ingest.dlq"
	// MaxRetries before sending to DLQ.
	MaxRetries = 3
	// RetryHeader counts redeliveries of a job.
	RetryHeader = "X-Retry-Count"
)

// NATSPublisher publishes status events on StatusSubject.
type NATSPublisher struct {
	nc *nats.Conn
}

// NewNATSPublisher wraps a connection.
func NewNATSPublisher(nc *nats.Conn) *NATSPublisher {
	return &NATSPublisher{nc: nc}
}

// PublishStatus implements Publisher.
func (n *NATSPublisher) PublishStatus(ctx context.Context, ev StatusEvent) error {
	return natsutil.Publish(ctx, n.nc, StatusSubject, ev)
}

type msgPublisher interface {
	PublishMsg(m *nats.Msg) error
}

// ConsumerOpts configures StartConsumer.
type ConsumerOpts struct {
	// ReadFile loads a job's file; os.ReadFile when nil.
	ReadFile func(path string) ([]byte, error)
	Logger   *slog.Logger
}

type consumer struct {
	pub      msgPublisher
	pipeline *Pipeline
	readFile func(string) ([]byte, error)
	respond  func(*nats.Msg, Report) error
	log      *slog.Logger
}

func newConsumer(pub msgPublisher, p *Pipeline, opts ConsumerOpts) *consumer {
	c := &consumer{pub: pub, pipeline: p, readFile: opts.ReadFile, respond: natsutil.Respond[Report], log: opts.Logger}
	if c.readFile == nil {
		c.readFile = os.ReadFile
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	return c
}

// StartConsumer subscribes to IngestSubject and runs each job through the
// pipeline. Jobs whose file cannot be read are redelivered up to MaxRetries
// times; every other failure, including an undecodable job, goes straight to
// the DLQ. Requests always get a Report as their reply.
func StartConsumer(nc *nats.Conn, p *Pipeline, opts ConsumerOpts) (*nats.Subscription, error) {
	c := newConsumer(nc, p, opts)
	return nc.Subscribe(IngestSubject, c.handle)
}

func (c *consumer) handle(msg *nats.Msg) {
	ctx := natsutil.Context(msg)
	job, err := decodeJob(msg.Data)
	if err != nil {
		c.log.Error("ingest: unmarshal failed", "err", err)
		rep := Report{Status: domain.StatusFailed, Error: fmt.Sprintf("ingest: decode job: %v", err)}
		c.publishDLQ(ctx, dlqMessage{Report: rep, Retries: 1, Payload: string(msg.Data)})
		c.reply(msg, rep)
		return
	}

	retries := 0
	if msg.Header != nil {
		if v := msg.Header.Get(RetryHeader); v != "" {
			retries, _ = strconv.Atoi(v)
		}
	}

	rep, readFailed := c.run(ctx, job)
	switch {
	case rep.Succeeded():
	case readFailed && retries+1 < MaxRetries:
		c.log.Warn("ingest: read failed, retrying", "path", job.Path, "retry", retries+1, "err", rep.Error)
		c.redeliver(ctx, msg, job, retries+1)
		return
	default:
		c.deadLetter(ctx, job, rep, retries+1)
	}

	c.reply(msg, rep)
}

func (c *consumer) reply(msg *nats.Msg, rep Report) {
	if err := c.respond(msg, rep); err != nil {
		c.log.Warn("ingest: reply failed", "file", rep.FileName, "err", err)
	}
}

func decodeJob(data []byte) (Job, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return Job{}, err
	}
	if job.Path == "" {
		return Job{}, domain.NewValidationError("path", "", domain.ErrMissingField)
	}
	return job, nil
}

// run reports whether a failure happened before the pipeline was entered.
func (c *consumer) run(ctx context.Context, job Job) (Report, bool) {
	name := job.FileName
	if name == "" {
		name = filepath.Base(job.Path)
	}
	data, err := c.readFile(job.Path)
	if err != nil {
		return Report{FileName: name, Status: domain.StatusFailed, Error: fmt.Sprintf("ingest: read %s: %v", job.Path, err)}, true
	}
	return c.pipeline.IngestFile(ctx, Upload{FileName: name, Data: data}), false
}

func (c *consumer) redeliver(ctx context.Context, orig *nats.Msg, job Job, retries int) {
	m, err := natsutil.NewMsg(ctx, IngestSubject, job)
	if err != nil {
		c.log.Error("ingest: retry encode failed", "err", err)
		return
	}
	m.Reply = orig.Reply
	m.Header.Set(RetryHeader, strconv.Itoa(retries))
	if err := c.pub.PublishMsg(m); err != nil {
		c.log.Error("ingest: retry publish failed", "err", err)
	}
}

func (c *consumer) deadLetter(ctx context.Context, job Job, rep Report, retries int) {
	c.publishDLQ(ctx, dlqMessage{Job: job, Report: rep, Retries: retries})
}

func (c *consumer) publishDLQ(ctx context.Context, dm dlqMessage) {
	c.pipeline.reg.DeadLettered().Inc()
	m, err := natsutil.NewMsg(ctx, DLQSubject, dm)
	if err != nil {
		c.log.Error("ingest: DLQ encode failed", "err", err)
		return
	}
	if err := c.pub.PublishMsg(m); err != nil {
		c.log.Error("ingest: DLQ publish failed", "path", dm.Job.Path, "err", err)
	}
}
