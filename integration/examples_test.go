//go:build integration

package integration

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type ExampleSuite struct {
	suite.Suite
	repoRoot string
}

func (s *ExampleSuite) SetupSuite() {
	if os.Getenv("FABRIC_TEST_EXAMPLES") == "" {
		s.T().Skip("set FABRIC_TEST_EXAMPLES=1 to run example integration tests")
	}
	root, err := detectRepoRoot()
	require.NoError(s.T(), err, "locate repository root")
	s.repoRoot = root
}

func (s *ExampleSuite) TestPingPong() {
	s.runExample("examples/pingpong", "--count", "50", "--size", "256")
}

func (s *ExampleSuite) TestPingPongLargePayload() {
	s.runExample("examples/pingpong", "--count", "200", "--size", "1000", "--timeout", "20s")
}

func (s *ExampleSuite) TestPingPongOverStub() {
	output, err := s.execExample("examples/pingpong", "--transport", "stub")
	require.Error(s.T(), err, "stub transport has no devices")
	require.Contains(s.T(), output, "stub devices: no device")
}

func (s *ExampleSuite) runExample(relPath string, args ...string) {
	output, err := s.execExample(relPath, args...)
	require.NoErrorf(s.T(), err, "example %s failed:\n%s", relPath, output)
	require.Contains(s.T(), output, "round trips complete")
}

func (s *ExampleSuite) execExample(relPath string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "go", append([]string{"run", "./" + relPath}, args...)...)
	cmd.Env = append(os.Environ(), "SHARED_PD_PTAG=0x2a", "SHARED_PD_COOKIE=0x1d0000")
	cmd.Dir = s.repoRoot

	output, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		s.FailNowf("example timeout", "example %s timed out:\n%s", relPath, string(output))
	}
	return string(output), err
}

func detectRepoRoot() (string, error) {
	root, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		if _, err := os.Stat(filepath.Join(root, "go.mod")); err == nil {
			return root, nil
		}
		next := filepath.Dir(root)
		if next == root {
			return "", fmt.Errorf("could not locate repository root containing go.mod")
		}
		root = next
	}
}

func TestExamples(t *testing.T) {
	suite.Run(t, new(ExampleSuite))
}
