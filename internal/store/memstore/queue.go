package memstore

import (
	"context"
	"sort"
	"time"

	"loom/internal/errs"
	"loom/internal/queue"
)

type queueRepo struct {
	s *Store
}

func groupKey(queueName, groupID string) string {
	return queueName + "/" + groupID
}

func (r *queueRepo) Enqueue(_ context.Context, job *queue.Job) error {
	if job.ID == "" || job.QueueName == "" || job.ExecutorName == "" {
		return errs.Validation("queue job requires id, queue_name and executor_name")
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, exists := r.s.jobs[job.ID]; exists {
		return errs.Validation("job %q already enqueued", job.ID)
	}

	now := r.s.now()
	stored := cloneJob(job)
	stored.CreatedAt = now
	stored.UpdatedAt = now
	if !stored.DelayUntil.IsZero() && stored.DelayUntil.After(now) {
		stored.Status = queue.JobDelayed
	} else {
		stored.Status = queue.JobWaiting
		stored.DelayUntil = time.Time{}
	}
	r.s.jobs[stored.ID] = stored

	if stored.GroupID != "" {
		key := groupKey(stored.QueueName, stored.GroupID)
		group := r.s.groups[key]
		if group == nil {
			group = &queue.Group{
				ID:        key,
				QueueName: stored.QueueName,
				GroupID:   stored.GroupID,
				Status:    queue.GroupActive,
			}
			r.s.groups[key] = group
		}
		group.TotalJobs++
	}
	return nil
}

func (r *queueRepo) ListReady(_ context.Context, queueName string, limit int) ([]*queue.Job, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return r.listReadyLocked(queueName, limit), nil
}

func (r *queueRepo) listReadyLocked(queueName string, limit int) []*queue.Job {
	now := r.s.now()
	out := make([]*queue.Job, 0)
	for _, job := range r.s.jobs {
		if job.QueueName != queueName {
			continue
		}
		switch job.Status {
		case queue.JobWaiting:
		case queue.JobDelayed:
			if job.DelayUntil.After(now) {
				continue
			}
		default:
			continue
		}
		if job.GroupID != "" {
			if group := r.s.groups[groupKey(queueName, job.GroupID)]; group != nil && group.Status == queue.GroupPaused {
				continue
			}
		}
		out = append(out, cloneJob(job))
	}
	sortJobs(out)
	return capList(out, limit)
}

func (r *queueRepo) Claim(_ context.Context, queueName, worker string, ids []string, timeout time.Duration) ([]*queue.Job, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	now := r.s.now()
	claimed := make([]*queue.Job, 0, len(ids))
	for _, id := range ids {
		job := r.s.jobs[id]
		if job == nil || job.QueueName != queueName {
			continue
		}
		if job.Status != queue.JobWaiting && !(job.Status == queue.JobDelayed && !job.DelayUntil.After(now)) {
			continue
		}
		job.Status = queue.JobExecuting
		job.LockedBy = worker
		job.LockedAt = now
		job.LockedUntil = now.Add(timeout)
		job.StartedAt = now
		job.Attempts++
		job.UpdatedAt = now
		claimed = append(claimed, cloneJob(job))
	}
	return claimed, nil
}

func (r *queueRepo) ClaimNext(ctx context.Context, queueName, worker string, n int, timeout time.Duration) ([]*queue.Job, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	ready := r.listReadyLocked(queueName, n)
	now := r.s.now()
	claimed := make([]*queue.Job, 0, len(ready))
	for _, candidate := range ready {
		job := r.s.jobs[candidate.ID]
		job.Status = queue.JobExecuting
		job.LockedBy = worker
		job.LockedAt = now
		job.LockedUntil = now.Add(timeout)
		job.StartedAt = now
		job.Attempts++
		job.UpdatedAt = now
		claimed = append(claimed, cloneJob(job))
	}
	return claimed, nil
}

func (r *queueRepo) Ack(_ context.Context, id, worker string, result map[string]any) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	job := r.s.jobs[id]
	if job == nil {
		return errs.NotFound("job %q", id)
	}
	if job.Status != queue.JobExecuting || job.LockedBy != worker {
		return errs.New(errs.KindLeaseLost, "job %q is not executing under %q", id, worker)
	}

	now := r.s.now()
	job.Status = queue.JobSucceeded
	job.Result = result
	job.UpdatedAt = now
	job.LockedBy = ""
	job.LockedUntil = time.Time{}
	delete(r.s.jobs, id)
	r.s.successArchive = append(r.s.successArchive, job)

	if job.GroupID != "" {
		if group := r.s.groups[groupKey(job.QueueName, job.GroupID)]; group != nil {
			group.CompletedJobs++
		}
	}
	return nil
}

func (r *queueRepo) Nack(_ context.Context, id, worker, reason string, retryable bool, backoff time.Duration) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	job := r.s.jobs[id]
	if job == nil {
		return errs.NotFound("job %q", id)
	}
	if job.Status != queue.JobExecuting || job.LockedBy != worker {
		return errs.New(errs.KindLeaseLost, "job %q is not executing under %q", id, worker)
	}

	now := r.s.now()
	job.Error = reason
	job.UpdatedAt = now
	job.LockedBy = ""
	job.LockedUntil = time.Time{}

	if retryable && job.Attempts < job.MaxAttempts {
		job.Status = queue.JobDelayed
		job.DelayUntil = now.Add(backoff)
		return nil
	}

	job.Status = queue.JobFailed
	job.FailedAt = now
	delete(r.s.jobs, id)
	r.s.failureArchive = append(r.s.failureArchive, job)

	if job.GroupID != "" {
		if group := r.s.groups[groupKey(job.QueueName, job.GroupID)]; group != nil {
			group.FailedJobs++
		}
	}
	return nil
}

func (r *queueRepo) Heartbeat(_ context.Context, id, worker string, extension time.Duration) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	job := r.s.jobs[id]
	if job == nil {
		return errs.NotFound("job %q", id)
	}
	if job.Status != queue.JobExecuting || job.LockedBy != worker {
		return errs.New(errs.KindLeaseLost, "job %q is not executing under %q", id, worker)
	}
	job.LockedUntil = r.s.now().Add(extension)
	job.UpdatedAt = r.s.now()
	return nil
}

func (r *queueRepo) Sweep(_ context.Context, queueName string) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	now := r.s.now()
	reclaimed := 0
	for _, job := range r.s.jobs {
		if job.QueueName != queueName || job.Status != queue.JobExecuting {
			continue
		}
		if job.LockedUntil.After(now) {
			continue
		}
		job.Status = queue.JobWaiting
		job.LockedBy = ""
		job.LockedAt = time.Time{}
		job.LockedUntil = time.Time{}
		job.UpdatedAt = now
		reclaimed++
	}
	return reclaimed, nil
}

func (r *queueRepo) Depth(_ context.Context, queueName string) (queue.Depth, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var depth queue.Depth
	now := r.s.now()
	for _, job := range r.s.jobs {
		if job.QueueName != queueName {
			continue
		}
		switch job.Status {
		case queue.JobWaiting:
			depth.Waiting++
		case queue.JobExecuting:
			depth.Executing++
		case queue.JobDelayed:
			if job.DelayUntil.After(now) {
				depth.Delayed++
			} else {
				depth.Waiting++
			}
		case queue.JobPaused:
			depth.Paused++
		}
	}
	for _, job := range r.s.successArchive {
		if job.QueueName == queueName {
			depth.Archived.Success++
		}
	}
	for _, job := range r.s.failureArchive {
		if job.QueueName == queueName {
			depth.Archived.Failed++
		}
	}
	return depth, nil
}

func (r *queueRepo) GetGroup(_ context.Context, queueName, groupID string) (*queue.Group, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	group := r.s.groups[groupKey(queueName, groupID)]
	if group == nil {
		return nil, errs.NotFound("group %q in queue %q", groupID, queueName)
	}
	copied := *group
	return &copied, nil
}

func (r *queueRepo) SetGroupStatus(_ context.Context, queueName, groupID string, status queue.GroupStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	group := r.s.groups[groupKey(queueName, groupID)]
	if group == nil {
		return errs.NotFound("group %q in queue %q", groupID, queueName)
	}
	group.Status = status
	return nil
}

func (r *queueRepo) ListArchivedSuccesses(_ context.Context, queueName string, limit int) ([]*queue.Job, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	out := make([]*queue.Job, 0)
	for i := len(r.s.successArchive) - 1; i >= 0; i-- {
		if r.s.successArchive[i].QueueName != queueName {
			continue
		}
		out = append(out, cloneJob(r.s.successArchive[i]))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *queueRepo) ListArchivedFailures(_ context.Context, queueName string, limit int) ([]*queue.Job, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	out := make([]*queue.Job, 0)
	for i := len(r.s.failureArchive) - 1; i >= 0; i-- {
		if r.s.failureArchive[i].QueueName != queueName {
			continue
		}
		out = append(out, cloneJob(r.s.failureArchive[i]))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func sortJobs(jobs []*queue.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].Priority != jobs[j].Priority {
			return jobs[i].Priority > jobs[j].Priority
		}
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
		}
		return jobs[i].ID < jobs[j].ID
	})
}
