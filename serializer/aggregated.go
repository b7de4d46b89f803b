package serializer

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"streamfeed/models"
)

const (
	aggregatedIdentifier = "v3"
	fieldSeparator       = ";;"
	itemSeparator        = ";"
)

// AggregatedText writes
//
//	v3group;;created;;updated;;seen;;read;;activities;;minimized
//
// Times are unix microseconds, -1 for unset. Activities are base64 encoded
// payloads of the Activity serializer, or decimal serialization ids when
// dehydrated, joined by ";".
type AggregatedText struct {
	Activity      Serializer[models.Activity]
	Dehydrate     bool
	MaxActivities int
}

var _ Serializer[*models.AggregatedActivity] = (*AggregatedText)(nil)

func (s *AggregatedText) Dumps(agg *models.AggregatedActivity) ([]byte, error) {
	if strings.Contains(agg.Group, fieldSeparator) {
		return nil, fmt.Errorf("%w: group %q contains %q", models.ErrSerialization, agg.Group, fieldSeparator)
	}

	var items []string
	if s.Dehydrate || agg.Dehydrated {
		for _, id := range agg.IDs() {
			items = append(items, id.String())
		}
	} else {
		for _, a := range agg.Activities {
			payload, err := s.Activity.Dumps(a)
			if err != nil {
				return nil, err
			}
			items = append(items, base64.RawURLEncoding.EncodeToString(payload))
		}
	}

	parts := []string{
		agg.Group,
		encodeTime(agg.CreatedAt),
		encodeTime(agg.UpdatedAt),
		encodeTime(agg.SeenAt),
		encodeTime(agg.ReadAt),
		strings.Join(items, itemSeparator),
		strconv.Itoa(agg.MinimizedActivities),
	}
	return []byte(aggregatedIdentifier + strings.Join(parts, fieldSeparator)), nil
}

func (s *AggregatedText) Loads(data []byte) (*models.AggregatedActivity, error) {
	raw, ok := strings.CutPrefix(string(data), aggregatedIdentifier)
	if !ok {
		return nil, malformed("aggregated activity", fmt.Errorf("missing %s identifier", aggregatedIdentifier))
	}
	parts := strings.Split(raw, fieldSeparator)
	if len(parts) != 7 {
		return nil, malformed("aggregated activity", fmt.Errorf("expected 7 fields, got %d", len(parts)))
	}

	agg := models.NewAggregatedActivity(parts[0])
	if s.MaxActivities > 0 {
		agg.MaxActivities = s.MaxActivities
	}

	times := []*time.Time{&agg.CreatedAt, &agg.UpdatedAt, &agg.SeenAt, &agg.ReadAt}
	for i, dst := range times {
		t, err := decodeTime(parts[i+1])
		if err != nil {
			return nil, malformed("aggregated activity", err)
		}
		*dst = t
	}

	minimized, err := strconv.Atoi(parts[6])
	if err != nil {
		return nil, malformed("aggregated activity", err)
	}
	agg.MinimizedActivities = minimized

	var items []string
	if parts[5] != "" {
		items = strings.Split(parts[5], itemSeparator)
	}

	if s.Dehydrate {
		agg.Dehydrated = true
		agg.ActivityIDs = make([]models.SerializationID, 0, len(items))
		for _, item := range items {
			id, err := models.ParseSerializationID(item)
			if err != nil {
				return nil, err
			}
			agg.ActivityIDs = append(agg.ActivityIDs, id)
		}
		return agg, nil
	}

	agg.Activities = make([]models.Activity, 0, len(items))
	for _, item := range items {
		payload, err := base64.RawURLEncoding.DecodeString(item)
		if err != nil {
			return nil, malformed("aggregated activity", err)
		}
		a, err := s.Activity.Loads(payload)
		if err != nil {
			return nil, err
		}
		agg.Activities = append(agg.Activities, a)
	}
	return agg, nil
}

func encodeTime(t time.Time) string {
	return strconv.FormatInt(unixMicro(t), 10)
}

func decodeTime(s string) (time.Time, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return fromUnixMicro(v), nil
}
