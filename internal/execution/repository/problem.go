package repository

import (
	"context"
	"encoding/json"
	"time"

	"codesandbox/internal/common/cache"
	"codesandbox/internal/execution/problemclient"
	appErr "codesandbox/pkg/errors"
)

const (
	defaultProblemTTL      = 5 * time.Minute
	defaultProblemEmptyTTL = 30 * time.Second
	problemKeyPrefix       = "sandbox:problem:"
)

// ProblemSource is the upstream catalog.
type ProblemSource interface {
	GetProblem(ctx context.Context, problemID string) (*problemclient.Problem, error)
}

type ProblemRepository interface {
	GetProblem(ctx context.Context, problemID string) (*problemclient.Problem, error)
}

// CachedProblemRepository serves problems from Redis, falling back to the catalog on a miss.
// Unknown problems and problems without test cases are cached for the shorter empty TTL.
type CachedProblemRepository struct {
	source   ProblemSource
	cache    cache.Cache
	ttl      time.Duration
	emptyTTL time.Duration
}

func NewProblemRepository(source ProblemSource, cacheClient cache.Cache) ProblemRepository {
	return NewProblemRepositoryWithTTL(source, cacheClient, defaultProblemTTL, defaultProblemEmptyTTL)
}

func NewProblemRepositoryWithTTL(source ProblemSource, cacheClient cache.Cache, ttl, emptyTTL time.Duration) ProblemRepository {
	if ttl <= 0 {
		ttl = defaultProblemTTL
	}
	if emptyTTL <= 0 {
		emptyTTL = defaultProblemEmptyTTL
	}
	return &CachedProblemRepository{
		source:   source,
		cache:    cacheClient,
		ttl:      ttl,
		emptyTTL: emptyTTL,
	}
}

func (r *CachedProblemRepository) GetProblem(ctx context.Context, problemID string) (*problemclient.Problem, error) {
	if r.cache == nil {
		return r.source.GetProblem(ctx, problemID)
	}
	problem, err := cache.GetWithCached[problemclient.Problem](
		ctx,
		r.cache,
		problemKey(problemID),
		cache.JitterTTL(r.ttl),
		cache.JitterTTL(r.emptyTTL),
		func(p problemclient.Problem) bool { return p.ID == "" },
		marshalProblem,
		unmarshalProblem,
		func(ctx context.Context) (problemclient.Problem, error) {
			p, err := r.source.GetProblem(ctx, problemID)
			switch {
			case appErr.Is(err, appErr.ProblemNotFound):
				return problemclient.Problem{}, nil
			case appErr.Is(err, appErr.TestCaseNotFound):
				// Remembered as a known problem with no cases.
				return problemclient.Problem{ID: problemID}, nil
			case err != nil:
				return problemclient.Problem{}, err
			}
			return *p, nil
		},
	)
	if err != nil {
		return nil, err
	}
	if problem.ID == "" {
		return nil, appErr.Newf(appErr.ProblemNotFound, "problem %s not found", problemID)
	}
	if len(problem.TestCases) == 0 {
		return nil, appErr.New(appErr.TestCaseNotFound)
	}
	return &problem, nil
}

func problemKey(problemID string) string {
	return problemKeyPrefix + problemID
}

func marshalProblem(problem problemclient.Problem) string {
	payload, err := json.Marshal(problem)
	if err != nil {
		return ""
	}
	return string(payload)
}

func unmarshalProblem(data string) (problemclient.Problem, error) {
	var problem problemclient.Problem
	if err := json.Unmarshal([]byte(data), &problem); err != nil {
		return problemclient.Problem{}, err
	}
	return problem, nil
}
