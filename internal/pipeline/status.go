package pipeline

// DeriveSessionStatus is the only place session status is computed. The
// stored Session.Status is always the result of this function.
//
// A failed job keeps the session in generating: there is no session-level
// failed state, dashboards read the failure from the job.
func DeriveSessionStatus(jobs []Job, exported bool) SessionStatus {
	if len(jobs) == 0 {
		return SessionDraft
	}

	allCompleted := true
	anyRunning := false
	anyStarted := false
	for _, j := range jobs {
		if j.Status != JobCompleted {
			allCompleted = false
		}
		if j.Status == JobRunning {
			anyRunning = true
		}
		if j.Status != JobPending {
			anyStarted = true
		}
	}

	switch {
	case allCompleted && exported:
		return SessionExported
	case allCompleted:
		return SessionReady
	case anyRunning:
		return SessionGenerating
	case !anyStarted:
		return SessionDraft
	default:
		return SessionGenerating
	}
}

// CompletionRatio returns completed/total for a job list, 0 for no jobs.
func CompletionRatio(jobs []Job) (completed, total int, ratio float64) {
	total = len(jobs)
	for _, j := range jobs {
		if j.Status == JobCompleted {
			completed++
		}
	}
	if total == 0 {
		return 0, 0, 0
	}
	return completed, total, float64(completed) / float64(total)
}
