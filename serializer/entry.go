package serializer

import (
	"streamfeed/models"
)

// EntrySerializer writes timeline entries. References are stored as their
// decimal serialization id, full entries through the Activity serializer.
// Neither activity format is all digits, which tells the two apart.
type EntrySerializer struct {
	Activity Serializer[models.Activity]
}

var _ Serializer[models.Entry] = EntrySerializer{}

func (s EntrySerializer) Dumps(e models.Entry) ([]byte, error) {
	a, ok := e.Activity()
	if !ok {
		return []byte(e.ID().String()), nil
	}
	return s.Activity.Dumps(a)
}

func (s EntrySerializer) Loads(data []byte) (models.Entry, error) {
	if isDigits(data) {
		id, err := models.ParseSerializationID(string(data))
		if err != nil {
			return models.Entry{}, err
		}
		return models.Reference(id), nil
	}
	a, err := s.Activity.Loads(data)
	if err != nil {
		return models.Entry{}, err
	}
	return models.Full(a), nil
}

func isDigits(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	for _, c := range data {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
