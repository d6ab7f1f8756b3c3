// Copyright 2025 James Ross
package matcher

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/stakeordie/emp-job-queue-sub016/internal/config"
	"github.com/stakeordie/emp-job-queue-sub016/internal/obs"
	"github.com/stakeordie/emp-job-queue-sub016/internal/queue"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrNoMatch is returned when no eligible job was found for the worker.
var ErrNoMatch = errors.New("matcher: no eligible job")

// claimScript is the matching algorithm as a single atomic Redis script:
// scan the top ScanLimit candidates of the pending ZSET in descending score
// order, apply the filter chain, and claim the first survivor. Redis
// executes EVAL atomically with respect to all other commands, so the
// at-most-one-assignment guarantee holds without a separate
// compare-and-set loop.
const claimScript = `
local pending_key = KEYS[1]
local job_prefix = ARGV[1]
local running_prefix = ARGV[2]
local worker_id = ARGV[3]
local caps_json = ARGV[4]
local scan_limit = tonumber(ARGV[5])
local now_ms = tonumber(ARGV[6])

local caps = cjson.decode(caps_json)
local accepted, components, workflows, access = {}, {}, {}, {}
for _, t in ipairs(caps.accepted_services or {}) do accepted[t] = true end
for _, c in ipairs(caps.components or {}) do components[c] = true end
for _, w in ipairs(caps.workflows or {}) do workflows[w] = true end
for _, c in ipairs(caps.customer_access or {}) do access[c] = true end
local hw = caps.hardware or {}

local candidates = redis.call('ZREVRANGE', pending_key, 0, scan_limit - 1)
for _, job_id in ipairs(candidates) do
  local job_key = job_prefix .. job_id
  local data = redis.call('HGET', job_key, 'data')
  if data then
    local job = cjson.decode(data)
    local ok = accepted[job.service_required] == true
    if ok and job.requirements then
      local req = job.requirements
      local rhw = req.hardware
      if rhw then
        if rhw.gpu_memory_gb and rhw.gpu_memory_gb > (hw.gpu_memory_gb or 0) then ok = false end
        if ok and rhw.ram_gb and rhw.ram_gb > (hw.ram_gb or 0) then ok = false end
        if ok and rhw.cpu_cores and rhw.cpu_cores > (hw.cpu_cores or 0) then ok = false end
        if ok and rhw.gpu_count and rhw.gpu_count > (hw.gpu_count or 0) then ok = false end
      end
      if ok and req.components and #req.components > 0 then
        local inter = false
        for _, c in ipairs(req.components) do if components[c] then inter = true end end
        if not inter then ok = false end
      end
      if ok and req.workflows and #req.workflows > 0 then
        local inter = false
        for _, w in ipairs(req.workflows) do if workflows[w] then inter = true end end
        if not inter then ok = false end
      end
      if ok and req.customer_isolation == 'strict' then
        if job.customer_id ~= caps.customer_id then ok = false end
      elseif ok and req.customer_isolation == 'loose' then
        if not access[job.customer_id] then ok = false end
      end
    end
    if ok and job.last_failed_worker == worker_id then ok = false end
    if ok then
      job.status = 'assigned'
      job.worker_id = worker_id
      job.assigned_at = now_ms
      if job.requirements then
        if job.requirements.hardware and next(job.requirements.hardware) == nil then job.requirements.hardware = nil end
        if next(job.requirements) == nil then job.requirements = nil end
      end
      local newdata = cjson.encode(job)
      redis.call('HSET', job_key, 'data', newdata)
      redis.call('ZREM', pending_key, job_id)
      redis.call('SADD', running_prefix .. worker_id, job_id)
      return newdata
    end
  end
end
return false
`

// Matcher wraps the atomic claim script with the configured scan bound and
// a bounded retry loop that absorbs transient Redis errors.
type Matcher struct {
	rdb    *redis.Client
	cfg    config.Matcher
	log    *zap.Logger
	script *redis.Script
}

func New(rdb *redis.Client, cfg config.Matcher, log *zap.Logger) *Matcher {
	return &Matcher{rdb: rdb, cfg: cfg, log: log, script: redis.NewScript(claimScript)}
}

// ClaimNext returns the highest-priority job eligible for the worker's
// capabilities, atomically claimed, or ErrNoMatch if none is found within
// the scan bound.
func (m *Matcher) ClaimNext(ctx context.Context, workerID string, caps queue.Capabilities) (queue.Job, error) {
	capsJSON, err := json.Marshal(caps)
	if err != nil {
		return queue.Job{}, err
	}

	var lastErr error
	for attempt := 0; attempt <= m.cfg.ContentionRetries; attempt++ {
		if attempt > 0 {
			obs.MatcherContentionRetries.Inc()
			time.Sleep(m.cfg.RetryBackoff)
		}
		res, err := m.script.Run(ctx, m.rdb,
			[]string{m.cfg.PendingQueueKey},
			m.cfg.JobKeyPrefix, m.cfg.RunningJobsPrefix, workerID, string(capsJSON),
			m.cfg.ScanLimit, time.Now().UnixMilli(),
		).Result()
		if errors.Is(err, redis.Nil) {
			obs.MatcherNoMatch.Inc()
			return queue.Job{}, ErrNoMatch
		}
		if err != nil {
			lastErr = err
			continue
		}
		if b, ok := res.(bool); ok && !b {
			obs.MatcherNoMatch.Inc()
			return queue.Job{}, ErrNoMatch
		}
		data, ok := res.(string)
		if !ok {
			lastErr = errors.New("matcher: unexpected script result type")
			continue
		}
		job, err := queue.UnmarshalJob(data)
		if err != nil {
			return queue.Job{}, err
		}
		return job, nil
	}
	if lastErr != nil {
		return queue.Job{}, lastErr
	}
	return queue.Job{}, ErrNoMatch
}
