package store

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/mbolis/field-survey/model"
)

type QuestionnaireReader interface {
	GetQuestionnaire(ctx context.Context, tenantID, id string) (model.Questionnaire, error)
}

// QuestionnaireCache keeps recently read questionnaire structures and makes
// concurrent misses for the same questionnaire share a single store read.
type QuestionnaireCache struct {
	next  QuestionnaireReader
	lru   *expirable.LRU[string, model.Questionnaire]
	group singleflight.Group
}

func NewQuestionnaireCache(next QuestionnaireReader, size int, ttl time.Duration) *QuestionnaireCache {
	return &QuestionnaireCache{
		next: next,
		lru:  expirable.NewLRU[string, model.Questionnaire](size, nil, ttl),
	}
}

func (c *QuestionnaireCache) GetQuestionnaire(ctx context.Context, tenantID, id string) (model.Questionnaire, error) {
	key := tenantID + "/" + id
	if q, ok := c.lru.Get(key); ok {
		return q, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		q, err := c.next.GetQuestionnaire(ctx, tenantID, id)
		if err != nil {
			return nil, err
		}
		c.lru.Add(key, q)
		return q, nil
	})
	if err != nil {
		return model.Questionnaire{}, err
	}
	return v.(model.Questionnaire), nil
}
