package detect

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/disintegration/imaging"

	"github.com/vigca/vigca-go/domain/target"
)

// duplicateFingerprintDistance: a new descriptor whose fingerprint is
// within this many bits of an existing target's gets a duplicate warning.
// The target is still created; the operator decides whether it was meant.
const duplicateFingerprintDistance = 2

func (l *Loop) handleTrain(c cmdTrain) trainResult {
	if l.state != StateIdle {
		return trainResult{err: fmt.Errorf("%w: cannot train while %s", ErrNotIdle, l.state)}
	}
	l.transition(StateTraining)
	defer l.transition(StateIdle)

	tgt, err := l.train(c.ctx, c.name, c.region)
	if err != nil {
		l.logger.Warn("detect.train.failed", "name", c.name, "error", err)
		return trainResult{err: err}
	}
	l.pub.publish(Event{
		Kind:       EventTrained,
		Time:       time.Now(),
		TargetID:   tgt.ID,
		TargetName: tgt.Name,
		Region:     tgt.Region,
	})
	return trainResult{tgt: tgt}
}

// train captures a fresh frame, crops the requested region out of it, and
// stores the result as a new target. The store is untouched when any step
// fails.
func (l *Loop) train(ctx context.Context, name string, region image.Rectangle) (*target.Target, error) {
	f, err := l.capture.CaptureNow(ctx)
	if err != nil {
		l.pub.publish(Event{Kind: EventCaptureError, Time: time.Now(), Err: err})
		return nil, err
	}
	bounds := f.Region
	if region.Empty() {
		region = bounds
	}
	if !region.In(bounds) {
		return nil, fmt.Errorf("detect: train region %v outside captured frame %v", region, bounds)
	}
	crop := imaging.Crop(f.Image, region.Sub(bounds.Min))

	method := l.matcher.Config().Method
	desc, err := l.extractors[method].Extract(crop)
	if err != nil {
		return nil, err
	}
	if dup, ok := l.store.Similar(desc.Fingerprint(), duplicateFingerprintDistance); ok {
		l.logger.Warn("detect.train.duplicate", "name", name, "existing_id", dup.ID, "existing_name", dup.Name)
	}
	tgt, err := l.store.Create(name, region, crop, desc)
	if err != nil {
		return nil, err
	}
	l.logger.Info("detect.train",
		"id", tgt.ID,
		"name", tgt.Name,
		"region", tgt.Region.String(),
		"method", method.String(),
		"keypoints", desc.KeypointCount(),
	)
	return tgt, nil
}
