package jober

// collect is the event collector loop: the single consumer draining the
// event queue in arrival order, applying each event to the addressed Job,
// then fanning it out to listeners. It exits when the queue is closed on
// Stop.
func (j *Jober) collect() {
	defer close(j.collectorDone)

	for ev := range j.events {
		j.apply(ev)
	}
}

func (j *Jober) apply(ev Event) {
	j.mu.Lock()
	job, exists := j.jobs[ev.JobID]
	j.mu.Unlock()

	if !exists {
		// The Job was removed mid-run; there is nothing left to address.
		if j.unknownWarn.Allow() {
			j.logger.Warn("dropping event for unknown job",
				"job_id", ev.JobID,
				"run_id", ev.RunID,
				"type", ev.Type,
			)
		}

		return
	}

	job.applyEvent(ev)

	j.fanout(ev)
}
