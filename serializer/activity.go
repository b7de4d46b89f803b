package serializer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"streamfeed/models"
)

// ActivityText writes "actor,verb,object,target,time,context" where an empty
// target means no target, time is in unix microseconds and context is JSON.
// Context is the last field, so it may contain commas. Context numbers load as
// json.Number so integers beyond 2^53 keep every digit.
type ActivityText struct{}

var _ Serializer[models.Activity] = ActivityText{}

func (ActivityText) Dumps(a models.Activity) ([]byte, error) {
	extra := a.ExtraContext
	if extra == nil {
		extra = map[string]any{}
	}
	context, err := json.Marshal(extra)
	if err != nil {
		return nil, fmt.Errorf("%w: extra context of %s: %v", models.ErrSerialization, a.SerializationID(), err)
	}

	target := ""
	if id, ok := a.Target(); ok {
		target = strconv.FormatInt(id, 10)
	}
	parts := []string{
		strconv.FormatInt(a.ActorID, 10),
		strconv.Itoa(a.Verb.ID),
		strconv.FormatInt(a.ObjectID, 10),
		target,
		strconv.FormatInt(a.Time.UnixMicro(), 10),
		string(context),
	}
	return []byte(strings.Join(parts, ",")), nil
}

func (ActivityText) Loads(data []byte) (models.Activity, error) {
	parts := strings.SplitN(string(data), ",", 6)
	if len(parts) != 6 {
		return models.Activity{}, malformed("activity", fmt.Errorf("expected 6 fields, got %d", len(parts)))
	}

	ints := make([]int64, 5)
	for i := range ints {
		if i == 3 && parts[i] == "" {
			continue
		}
		v, err := strconv.ParseInt(parts[i], 10, 64)
		if err != nil {
			return models.Activity{}, malformed("activity", err)
		}
		ints[i] = v
	}

	verb, err := models.VerbByID(int(ints[1]))
	if err != nil {
		return models.Activity{}, err
	}

	var extra map[string]any
	dec := json.NewDecoder(bytes.NewReader([]byte(parts[5])))
	dec.UseNumber()
	if err := dec.Decode(&extra); err != nil {
		return models.Activity{}, malformed("activity", err)
	}
	if dec.More() {
		return models.Activity{}, malformed("activity", errors.New("trailing data after context"))
	}

	var target *int64
	if parts[3] != "" {
		target = &ints[3]
	}
	return newActivity(ints[0], verb, ints[2], target, time.UnixMicro(ints[4]), extra)
}

// newActivity reports validation failures of stored data as serialization
// errors.
func newActivity(actor int64, verb models.Verb, object int64, target *int64, t time.Time, extra map[string]any) (models.Activity, error) {
	a, err := models.NewActivity(actor, verb, object, target, t, extra)
	if errors.Is(err, models.ErrValidation) {
		return models.Activity{}, malformed("activity", err)
	}
	return a, err
}
