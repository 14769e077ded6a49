package workflow

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/fundraiseapp/fundraise_backend/config"
)

// Broadcaster delivers real-time campaign events to subscribers.
// Publishing is fire-and-forget from the reconciliation's point of
// view: a failed publish is logged and never fails the settlement.
type Broadcaster interface {
	PublishCampaignEvent(ctx context.Context, event config.CampaignEvent) (string, error)
}

// PubSubBroadcaster publishes over Google Cloud Pub/Sub.
type PubSubBroadcaster struct{}

func (PubSubBroadcaster) PublishCampaignEvent(ctx context.Context, event config.CampaignEvent) (string, error) {
	return config.PublishCampaignEvent(ctx, event)
}

// LogBroadcaster is the dev/test stand-in: it only logs the event.
type LogBroadcaster struct {
	Logger *logrus.Logger
}

func (b LogBroadcaster) PublishCampaignEvent(_ context.Context, event config.CampaignEvent) (string, error) {
	if b.Logger != nil {
		b.Logger.WithFields(logrus.Fields{
			"channel":     event.Channel,
			"event":       event.Event,
			"campaign_id": event.CampaignId,
			"donation_id": event.DonationId,
		}).Info("campaign event")
	}
	return "", nil
}
