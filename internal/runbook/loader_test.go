package runbook

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeRunbook(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "runbook.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadParsesMinimalRunbook(t *testing.T) {
	path := writeRunbook(t, `
commands:
  deploy:
    name: deploy
    job: deploy_job
jobs:
  deploy_job:
    name: deploy_job
    steps:
      - name: build
        run:
          shell: "echo building"
`)

	rb, err := Load(path)
	require.NoError(t, err)
	require.Contains(t, rb.Jobs, "deploy_job")
	require.Equal(t, "deploy_job", rb.Commands["deploy"].Job)
}

func TestLoadRejectsCommandReferencingUnknownJob(t *testing.T) {
	path := writeRunbook(t, `
commands:
  deploy:
    name: deploy
    job: missing_job
`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsTransitionToUnknownStep(t *testing.T) {
	path := writeRunbook(t, `
jobs:
  build:
    name: build
    steps:
      - name: compile
        run:
          shell: "make"
        on_done:
          step: nonexistent
`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsExternalQueueMissingListOrTake(t *testing.T) {
	path := writeRunbook(t, `
queues:
  incoming:
    name: incoming
    kind: external
    poll: 10s
`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsWorkerReferencingUnknownQueue(t *testing.T) {
	path := writeRunbook(t, `
jobs:
  handle:
    name: handle
    steps:
      - name: work
        run:
          shell: "true"
workers:
  pool:
    name: pool
    source: missing_queue
    handler: handle
`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadFullRunbookWithQueueAndWorker(t *testing.T) {
	path := writeRunbook(t, `
commands:
  process:
    name: process
    job: handle
jobs:
  handle:
    name: handle
    steps:
      - name: work
        run:
          shell: "true"
queues:
  incoming:
    name: incoming
    kind: persisted
workers:
  pool:
    name: pool
    source: incoming
    handler: handle
    concurrency: 2
`)

	rb, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "incoming", rb.Workers["pool"].Source)
	require.Equal(t, 2, rb.Workers["pool"].EffectiveConcurrency())
}
