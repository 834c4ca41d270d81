package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/concrnt/socialnode/apclient"
	"github.com/concrnt/socialnode/fqid"
	"github.com/concrnt/socialnode/store"
	"github.com/concrnt/socialnode/types"
)

const defaultFollowSyncSchedule = "@every 5m"

type Worker struct {
	rdb    *redis.Client
	store  *store.Store
	client *apclient.Client
	config types.NodeConfig
}

func NewWorker(rdb *redis.Client, store *store.Store, client *apclient.Client, config types.NodeConfig) *Worker {
	return &Worker{
		rdb,
		store,
		client,
		config,
	}
}

// Run starts the background jobs. The returned cron must be stopped on shutdown.
func (w *Worker) Run(ctx context.Context) *cron.Cron {
	if w.config.AsyncDelivery {
		go w.StartDeliveryWorker(ctx)
	}

	schedule := w.config.FollowSyncSchedule
	if schedule == "" {
		schedule = defaultFollowSyncSchedule
	}
	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(&log.Logger)))
	_, err := c.AddFunc(schedule, func() {
		if err := w.SyncFollowRequests(ctx); err != nil {
			log.Error().Err(err).Msg("follow sync failed")
		}
	})
	if err != nil {
		log.Error().Err(err).Str("schedule", schedule).Msg("invalid follow sync schedule")
	}
	c.Start()
	return c
}

// StartDeliveryWorker consumes queued deliveries until ctx is done.
func (w *Worker) StartDeliveryWorker(ctx context.Context) {
	log.Info().Msg("start delivery worker")

	for {
		if ctx.Err() != nil {
			return
		}

		result, err := w.rdb.BRPop(ctx, 5*time.Second, DeliveryQueue).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("worker/delivery BRPop")
			time.Sleep(time.Second)
			continue
		}

		// result is [key, value]
		w.handleDelivery(ctx, result[1])
	}
}

func (w *Worker) handleDelivery(ctx context.Context, payload string) {
	ctx, span := tracer.Start(ctx, "WorkerHandleDelivery")
	defer span.End()

	var job DeliveryJob
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		span.RecordError(err)
		log.Error().Err(err).Msg("worker/delivery malformed job")
		return
	}

	node, err := w.store.GetNodeByID(ctx, job.NodeID)
	if err != nil {
		span.RecordError(err)
		log.Error().Err(err).Str("delivery", job.ID).Str("node", job.NodeID).Msg("worker/delivery node")
		return
	}
	if !node.IsActive {
		log.Info().Str("delivery", job.ID).Str("node", node.Host).Msg("worker/delivery node disabled, dropping job")
		return
	}

	// nothing is retried
	if err := w.client.PostToInbox(ctx, node, job.Recipient, job.Envelope); err != nil {
		span.RecordError(err)
		log.Error().Err(err).
			Str("delivery", job.ID).
			Str("node", node.Host).
			Str("recipient", job.Recipient).
			Msg("worker/delivery failed")
	}
}

// SyncFollowRequests asks remote nodes whether pending follow requests from
// local authors were accepted, and turns accepted ones into follows.
func (w *Worker) SyncFollowRequests(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "WorkerSyncFollowRequests")
	defer span.End()

	pending, err := w.store.ListPendingRemoteFollowRequests(ctx)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	nodes, err := w.store.GetActiveNodes(ctx)
	if err != nil {
		span.RecordError(err)
		return err
	}

	for _, request := range pending {
		host := request.Object.Host
		if host == "" {
			host = fqid.HostOf(request.Object.FQID)
		}
		node, ok := lo.Find(nodes, func(n types.Node) bool { return fqid.SameHost(host, n.Host) })
		if !ok {
			continue
		}

		accepted, err := w.client.CheckFollower(ctx, node, request.Object.FQID, request.Actor.FQID)
		if err != nil {
			log.Warn().Err(err).Str("object", request.Object.FQID).Msg("follow sync check failed")
			continue
		}
		if !accepted {
			continue
		}

		if _, err := w.store.AcceptFollowRequest(ctx, request.ID); err != nil {
			log.Error().Err(err).Str("request", request.ID).Msg("follow sync accept")
			continue
		}
		log.Info().Str("actor", request.Actor.FQID).Str("object", request.Object.FQID).Msg("follow accepted by remote node")
	}
	return nil
}
