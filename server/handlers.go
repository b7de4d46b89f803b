package server

import (
	"context"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"

	"streamfeed/feeds"
	"streamfeed/models"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

type handlers struct {
	config *ServerConfig
}

type activityRequest struct {
	Verb         string         `json:"verb"`
	ObjectID     int64          `json:"object_id"`
	TargetID     *int64         `json:"target_id"`
	Time         *time.Time     `json:"time"`
	ExtraContext map[string]any `json:"extra_context"`
}

type activityResponse struct {
	ID string `json:"id"`
	models.Activity
}

type aggregateResponse struct {
	ID            string            `json:"id"`
	Group         string            `json:"group"`
	Verb          models.Verb       `json:"verb"`
	ActivityCount int               `json:"activity_count"`
	ActorCount    int               `json:"actor_count"`
	Activities    []models.Activity `json:"activities"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	IsSeen        bool              `json:"is_seen"`
	IsRead        bool              `json:"is_read"`
}

type feedResponse struct {
	Feed   any     `json:"feed"`
	Cursor *string `json:"cursor,omitempty"`
}

type notificationsResponse struct {
	feedResponse
	Count models.NotificationCount `json:"count"`
}

type markRequest struct {
	Seen bool `json:"seen"`
	Read bool `json:"read"`
}

type activityPager interface {
	Page(ctx context.Context, cursor string, limit int) (*feeds.Page[models.Activity], error)
}

type aggregatePager interface {
	Page(ctx context.Context, cursor string, limit int) (*feeds.Page[*models.AggregatedActivity], error)
}

func paramID(c *fiber.Ctx, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Params(name), 10, 64)
	if err != nil {
		return 0, fiber.NewError(fiber.StatusBadRequest, "Invalid "+name)
	}
	return id, nil
}

// pageLimit falls back to the default for invalid or out of range values
func pageLimit(c *fiber.Ctx) int {
	limit, err := strconv.ParseInt(c.Query("limit", "20"), 0, 32)
	if err != nil || limit < 1 || limit > maxPageLimit {
		return defaultPageLimit
	}
	return int(limit)
}

func toActivityResponses(activities []models.Activity) []activityResponse {
	return lo.Map(activities, func(a models.Activity, _ int) activityResponse {
		return activityResponse{ID: a.SerializationID().String(), Activity: a}
	})
}

func toAggregateResponses(aggs []*models.AggregatedActivity) []aggregateResponse {
	return lo.Map(aggs, func(agg *models.AggregatedActivity, _ int) aggregateResponse {
		return aggregateResponse{
			ID:            agg.SerializationID().String(),
			Group:         agg.Group,
			Verb:          agg.Verb(),
			ActivityCount: agg.ActivityCount(),
			ActorCount:    agg.ActorCount(),
			Activities:    agg.LastActivities(),
			CreatedAt:     agg.CreatedAt,
			UpdatedAt:     agg.UpdatedAt,
			IsSeen:        agg.IsSeen(),
			IsRead:        agg.IsRead(),
		}
	})
}

func (h *handlers) addActivity(c *fiber.Ctx) error {
	userID, err := paramID(c, "user")
	if err != nil {
		return err
	}

	var req activityRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid body")
	}
	verb, err := models.VerbByName(req.Verb)
	if err != nil {
		return err
	}
	at := h.config.Now()
	if req.Time != nil {
		at = *req.Time
	}

	activity, err := models.NewActivity(userID, verb, req.ObjectID, req.TargetID, at, req.ExtraContext)
	if err != nil {
		return err
	}
	if err := h.config.Manager.AddUserActivity(c.UserContext(), userID, activity); err != nil {
		return err
	}

	return c.Status(fiber.StatusCreated).JSON(activityResponse{
		ID:       activity.SerializationID().String(),
		Activity: activity,
	})
}

func (h *handlers) removeActivity(c *fiber.Ctx) error {
	userID, err := paramID(c, "user")
	if err != nil {
		return err
	}
	id, err := models.ParseSerializationID(c.Params("id"))
	if err != nil {
		return err
	}

	activity, err := h.config.Activities.Get(c.UserContext(), id)
	if err != nil {
		return err
	}
	if activity.ActorID != userID {
		return fiber.NewError(fiber.StatusNotFound, "Activity not found")
	}
	if err := h.config.Manager.RemoveUserActivity(c.UserContext(), userID, activity); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *handlers) userFeed(c *fiber.Ctx) error {
	userID, err := paramID(c, "user")
	if err != nil {
		return err
	}
	return h.sendPage(c, h.config.Manager.UserFeed(userID))
}

func (h *handlers) classFeed(c *fiber.Ctx) error {
	userID, err := paramID(c, "user")
	if err != nil {
		return err
	}
	class, ok := h.config.Manager.Class(c.Params("class"))
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, "Feed not found")
	}
	return h.sendPage(c, class.For(userID))
}

func (h *handlers) sendPage(c *fiber.Ctx, feed feeds.Feed) error {
	resp, err := page(c.UserContext(), feed, c.Query("cursor", ""), pageLimit(c))
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusOK).JSON(resp)
}

func page(ctx context.Context, feed feeds.Feed, cursor string, limit int) (feedResponse, error) {
	switch f := feed.(type) {
	case activityPager:
		p, err := f.Page(ctx, cursor, limit)
		if err != nil {
			return feedResponse{}, err
		}
		return feedResponse{Feed: toActivityResponses(p.Items), Cursor: p.Cursor}, nil
	case aggregatePager:
		p, err := f.Page(ctx, cursor, limit)
		if err != nil {
			return feedResponse{}, err
		}
		return feedResponse{Feed: toAggregateResponses(p.Items), Cursor: p.Cursor}, nil
	default:
		log.WithField("key", feed.Key()).Warn("Feed does not support paging")
		return feedResponse{}, fiber.NewError(fiber.StatusNotImplemented, "Feed does not support paging")
	}
}

func (h *handlers) follow(c *fiber.Ctx) error {
	userID, err := paramID(c, "user")
	if err != nil {
		return err
	}
	targetID, err := paramID(c, "target")
	if err != nil {
		return err
	}
	priority, err := models.ParsePriority(c.Query("priority", ""))
	if err != nil {
		return err
	}

	if err := h.config.Manager.FollowUser(c.UserContext(), userID, targetID, priority); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *handlers) unfollow(c *fiber.Ctx) error {
	userID, err := paramID(c, "user")
	if err != nil {
		return err
	}
	targetID, err := paramID(c, "target")
	if err != nil {
		return err
	}

	if err := h.config.Manager.UnfollowUser(c.UserContext(), userID, targetID); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *handlers) notificationFeed(c *fiber.Ctx) (*feeds.NotificationFeed, error) {
	userID, err := paramID(c, "user")
	if err != nil {
		return nil, err
	}
	class, ok := h.config.Manager.Class(h.config.Notifications)
	if h.config.Notifications == "" || !ok {
		return nil, fiber.NewError(fiber.StatusNotFound, "Notifications are not enabled")
	}
	feed, ok := class.For(userID).(*feeds.NotificationFeed)
	if !ok {
		return nil, fiber.NewError(fiber.StatusNotFound, "Notifications are not enabled")
	}
	return feed, nil
}

func (h *handlers) notifications(c *fiber.Ctx) error {
	feed, err := h.notificationFeed(c)
	if err != nil {
		return err
	}

	resp, err := page(c.UserContext(), feed, c.Query("cursor", ""), pageLimit(c))
	if err != nil {
		return err
	}
	count, err := feed.DenormalizedCount(c.UserContext())
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusOK).JSON(notificationsResponse{feedResponse: resp, Count: count})
}

func (h *handlers) markNotifications(c *fiber.Ctx) error {
	feed, err := h.notificationFeed(c)
	if err != nil {
		return err
	}

	req := markRequest{Seen: true}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "Invalid body")
		}
	}
	if err := feed.MarkAll(c.UserContext(), req.Seen, req.Read); err != nil {
		return err
	}

	count, err := feed.DenormalizedCount(c.UserContext())
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusOK).JSON(count)
}
