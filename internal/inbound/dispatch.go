package inbound

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fedi3/node/internal/activitypub"
	"github.com/fedi3/node/internal/models"
	"github.com/fedi3/node/internal/store"
)

// dispatch implements spec.md §4.3 step 4: per-type handling of a freshly
// deduplicated inbound activity.
func (h *Handler) dispatch(ctx context.Context, act activitypub.Activity, nowMs int64) error {
	switch activitypub.ActivityType(act.Type) {
	case activitypub.TypeFollow:
		return h.handleFollow(ctx, act, nowMs)
	case activitypub.TypeAccept:
		return h.handleAccept(ctx, act)
	case activitypub.TypeUndo:
		return h.handleUndo(ctx, act)
	case activitypub.TypeCreate:
		return h.handleCreate(ctx, act, nowMs)
	case activitypub.TypeAnnounce:
		return h.handleAnnounce(ctx, act, nowMs)
	case activitypub.TypeLike, activitypub.TypeEmojiReact:
		return h.handleReaction(ctx, act, nowMs)
	case activitypub.TypeUpdate:
		return h.handleUpdate(ctx, act, nowMs)
	case activitypub.TypeDelete:
		return h.handleDelete(ctx, act, nowMs)
	case activitypub.TypeMove:
		return h.handleMove(ctx, act, nowMs)
	default:
		h.cfg.Logger.Debug("no dispatch handler for activity type", "type", act.Type)
		return nil
	}
}

func (h *Handler) handleFollow(ctx context.Context, act activitypub.Activity, nowMs int64) error {
	if err := h.cfg.DB.InsertInboxFollow(ctx, act.ID, act.Actor); err != nil {
		return fmt.Errorf("recording inbox follow: %w", err)
	}
	// This node's profiles are never manually-approving in the current
	// implementation, so every Follow is auto-accepted.
	if err := h.cfg.DB.AddFollower(ctx, act.Actor, nowMs); err != nil {
		return fmt.Errorf("adding follower: %w", err)
	}
	accept := map[string]interface{}{
		"@context": activitypub.Context,
		"type":     "Accept",
		"actor":    h.cfg.LocalURL(act.ObjectActorOrID()),
		"object":   act,
	}
	body, err := json.Marshal(accept)
	if err != nil {
		return fmt.Errorf("marshaling accept: %w", err)
	}
	return h.cfg.DB.EnqueueDelivery(ctx, newDeliveryJobID, body, []string{inboxOf(act.Actor)}, nil, nowMs)
}

func newDeliveryJobID() string { return models.NewULID().String() }

func (h *Handler) handleAccept(ctx context.Context, act activitypub.Activity) error {
	if act.ObjectType() != "Follow" && act.ObjectActorOrID() == "" {
		return nil
	}
	return h.cfg.DB.PromoteFollowing(ctx, act.Actor)
}

func (h *Handler) handleUndo(ctx context.Context, act activitypub.Activity) error {
	if act.ObjectType() != "Follow" {
		return nil
	}
	return h.cfg.DB.RemoveFollower(ctx, act.Actor)
}

func (h *Handler) handleCreate(ctx context.Context, act activitypub.Activity, nowMs int64) error {
	var note activitypub.Note
	if err := json.Unmarshal(act.Object, &note); err != nil {
		return fmt.Errorf("parsing created object: %w", err)
	}
	if note.ID == "" {
		return nil
	}
	if note.AttributedTo == "" {
		note.AttributedTo = act.Actor
	}

	attachments := make([]store.Attachment, 0, len(note.Attachment))
	for _, a := range note.Attachment {
		attachments = append(attachments, store.Attachment{URL: a.URL, MediaType: a.MediaType})
	}
	tags := make([]string, 0, len(note.Tag))
	for _, t := range note.Tag {
		tags = append(tags, t.Name)
	}

	obj := models.Object{
		ObjectID:    note.ID,
		ObjectJSON:  act.Object,
		ActorID:     strPtr(note.AttributedTo),
		SizeBytes:   int64(len(act.Object)),
	}
	if err := h.cfg.DB.UpsertObjectWithActor(ctx, obj, attachments, tags, nowMs); err != nil {
		return fmt.Errorf("storing created object: %w", err)
	}
	if note.InReplyTo != "" {
		if err := h.cfg.DB.InsertNoteReply(ctx, note.ID, note.InReplyTo); err != nil {
			h.cfg.Logger.Warn("recording reply edge failed", "error", err)
		}
	}
	if note.Sensitive || note.Summary != "" {
		if err := h.cfg.DB.SetObjectSensitivity(ctx, note.ID, note.Sensitive, strPtr(note.Summary)); err != nil {
			h.cfg.Logger.Warn("recording sensitivity failed", "error", err)
		}
	}

	feedItem := models.FeedItem{ActivityID: act.ID, CreatedAtMs: nowMs, ActorID: strPtr(act.Actor), SizeBytes: int64(len(act.Object)), ActivityJSON: act.Object}
	if feedItem.ActivityID == "" {
		feedItem.ActivityID = note.ID
	}
	if act.PublicAddressed() {
		if err := h.cfg.DB.InsertFeedItem(ctx, "federated_feed", feedItem); err != nil {
			h.cfg.Logger.Warn("projecting to federated feed failed", "error", err)
		}
	}
	if following, ferr := h.cfg.DB.IsFollowing(ctx, act.Actor); ferr == nil && following {
		if err := h.cfg.DB.InsertFeedItem(ctx, "global_feed", feedItem); err != nil {
			h.cfg.Logger.Warn("projecting to home feed failed", "error", err)
		}
	}
	return nil
}

func (h *Handler) handleAnnounce(ctx context.Context, act activitypub.Activity, nowMs int64) error {
	objectURL := act.ObjectActorOrID()
	if objectURL == "" {
		return nil
	}
	if err := h.cfg.DB.InsertInboxItem(ctx, models.InboxRecord{
		ActivityID: "announce:" + act.ID, CreatedAtMs: nowMs, ActorID: strPtr(act.Actor), Type: strPtr("Announce"), ActivityJSON: act.Object,
	}); err != nil {
		h.cfg.Logger.Warn("recording announce inbox event failed", "error", err)
	}
	return h.cfg.DB.EnqueueObjectFetch(ctx, objectURL, nowMs)
}

func (h *Handler) handleReaction(ctx context.Context, act activitypub.Activity, nowMs int64) error {
	objectID := act.ObjectActorOrID()
	if objectID == "" {
		return nil
	}
	var content *string
	if act.Type == string(activitypub.TypeEmojiReact) {
		var withContent struct {
			Content string `json:"content"`
		}
		if err := json.Unmarshal(act.Object, &withContent); err == nil && withContent.Content != "" {
			content = &withContent.Content
		}
	}
	return h.cfg.DB.UpsertReaction(ctx, act.Actor, objectID, act.Type, content, nowMs)
}

func (h *Handler) handleUpdate(ctx context.Context, act activitypub.Activity, nowMs int64) error {
	var note activitypub.Note
	if err := json.Unmarshal(act.Object, &note); err != nil || note.ID == "" {
		return nil
	}
	obj := models.Object{ObjectID: note.ID, ObjectJSON: act.Object, ActorID: strPtr(act.Actor), SizeBytes: int64(len(act.Object))}
	return h.cfg.DB.UpsertObjectWithActor(ctx, obj, nil, nil, nowMs)
}

func (h *Handler) handleDelete(ctx context.Context, act activitypub.Activity, nowMs int64) error {
	objectID := act.ObjectActorOrID()
	if objectID == "" {
		return nil
	}
	return h.cfg.DB.DeleteObjectCascade(ctx, objectID, nowMs)
}

func (h *Handler) handleMove(ctx context.Context, act activitypub.Activity, nowMs int64) error {
	target := act.ObjectActorOrID()
	if target == "" {
		return nil
	}
	return h.cfg.DB.UpsertActorMeta(ctx, models.ActorMeta{ActorID: target, IsFedi3: false, LastSeenMs: nowMs})
}

func inboxOf(actorURL string) string {
	return actorURL + "/inbox"
}
