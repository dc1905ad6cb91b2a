package jobstore

import (
	"log"

	"github.com/robfig/cron/v3"
)

// Janitor runs retention tasks on a cron schedule (standard 5-field spec).
// Tasks are closures so the janitor can prune both the queue and the job log
// without importing either.
type Janitor struct {
	c     *cron.Cron
	tasks []func()
}

func NewJanitor(schedule string, tasks ...func()) (*Janitor, error) {
	j := &Janitor{c: cron.New(), tasks: tasks}
	_, err := j.c.AddFunc(schedule, j.runAll)
	if err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Janitor) runAll() {
	log.Printf("[janitor] retention sweep starting")
	for _, task := range j.tasks {
		task()
	}
}

func (j *Janitor) Start() {
	j.c.Start()
}

// Stop halts scheduling and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	<-j.c.Stop().Done()
}
