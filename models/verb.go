package models

import (
	"fmt"
	"sort"
	"sync"
)

// maxVerbID is the exclusive upper bound of a verb id; the serialization id
// reserves three decimal digits for it.
const maxVerbID = 1000

// Verb is a tagged action kind. The id is part of every activity's identity
// and must never be reused for a different meaning.
type Verb struct {
	ID         int    `json:"id"`
	Infinitive string `json:"infinitive"`
	PastTense  string `json:"past_tense"`
}

func (v Verb) String() string {
	return v.Infinitive
}

// Built-in verbs
var (
	Follow  = Verb{ID: 1, Infinitive: "follow", PastTense: "followed"}
	Comment = Verb{ID: 2, Infinitive: "comment", PastTense: "commented"}
	Love    = Verb{ID: 3, Infinitive: "love", PastTense: "loved"}
	Add     = Verb{ID: 4, Infinitive: "add", PastTense: "added"}
)

var verbs = struct {
	sync.RWMutex
	byID map[int]Verb
}{
	byID: map[int]Verb{
		Follow.ID:  Follow,
		Comment.ID: Comment,
		Love.ID:    Love,
		Add.ID:     Add,
	},
}

// RegisterVerb adds a verb to the registry. Registering the same verb twice is
// allowed, registering a different verb under an existing id is not.
func RegisterVerb(v Verb) error {
	if v.ID <= 0 || v.ID >= maxVerbID {
		return fmt.Errorf("%w: verb id %d out of range (1..%d)", ErrValidation, v.ID, maxVerbID-1)
	}
	if v.Infinitive == "" {
		return fmt.Errorf("%w: verb %d has no infinitive", ErrValidation, v.ID)
	}

	verbs.Lock()
	defer verbs.Unlock()

	if existing, ok := verbs.byID[v.ID]; ok && existing != v {
		return fmt.Errorf("%w: verb id %d already registered as %q", ErrValidation, v.ID, existing.Infinitive)
	}
	verbs.byID[v.ID] = v
	return nil
}

// VerbByID resolves a verb from its id.
func VerbByID(id int) (Verb, error) {
	verbs.RLock()
	defer verbs.RUnlock()

	v, ok := verbs.byID[id]
	if !ok {
		return Verb{}, fmt.Errorf("%w: unknown verb id %d", ErrSerialization, id)
	}
	return v, nil
}

// VerbByName resolves a verb from its infinitive
func VerbByName(name string) (Verb, error) {
	verbs.RLock()
	defer verbs.RUnlock()

	for _, v := range verbs.byID {
		if v.Infinitive == name {
			return v, nil
		}
	}
	return Verb{}, fmt.Errorf("%w: unknown verb %q", ErrValidation, name)
}

// Verbs returns every registered verb ordered by id.
func Verbs() []Verb {
	verbs.RLock()
	defer verbs.RUnlock()

	out := make([]Verb, 0, len(verbs.byID))
	for _, v := range verbs.byID {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
