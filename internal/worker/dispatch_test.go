package worker

import (
	"bytes"
	"context"
	"encoding/gob"
	"io/ioutil"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/sirupsen/logrus"
	gc "gopkg.in/check.v1"

	"github.com/distflow/runtime/internal/controlpb"
	"github.com/distflow/runtime/internal/job"
	"github.com/distflow/runtime/internal/job/mocks"
)

func Test(t *testing.T) { gc.TestingT(t) }

var _ = gc.Suite(new(ScheduleListenerTestSuite))

type ScheduleListenerTestSuite struct{}

func encodeTaskGroup(c *gc.C, tg job.TaskGroupDescriptor) []byte {
	var buf bytes.Buffer
	c.Assert(gob.NewEncoder(&buf).Encode(tg), gc.IsNil)
	return buf.Bytes()
}

func testLogger() *logrus.Entry {
	return logrus.NewEntry(&logrus.Logger{Out: ioutil.Discard})
}

func (s *ScheduleListenerTestSuite) TestDecodesAndDispatchesToRunner(c *gc.C) {
	ctrl := gomock.NewController(c)
	defer ctrl.Finish()

	tg := job.TaskGroupDescriptor{TaskGroupID: "tg-1", StageID: "stage-1"}

	done := make(chan struct{})
	runner := mocks.NewMockRunner(ctrl)
	runner.EXPECT().StartTaskGroup(gomock.Any(), "executor-1", tg, 3).DoAndReturn(
		func(context.Context, string, job.TaskGroupDescriptor, int) error {
			close(done)
			return nil
		},
	)

	listener := NewScheduleListener(context.Background(), "executor-1", runner, testLogger())
	listener(context.Background(), &controlpb.ScheduleTaskGroup{
		TaskGroupID: tg.TaskGroupID,
		AttemptIdx:  3,
		Descriptor:  encodeTaskGroup(c, tg),
	}, nil)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		c.Fatal("timed out waiting for StartTaskGroup to be called")
	}
}

func (s *ScheduleListenerTestSuite) TestDropsMessageOfUnrecognizedType(c *gc.C) {
	ctrl := gomock.NewController(c)
	defer ctrl.Finish()

	// No EXPECT() calls set up: StartTaskGroup must never be invoked.
	runner := mocks.NewMockRunner(ctrl)

	listener := NewScheduleListener(context.Background(), "executor-1", runner, testLogger())
	listener(context.Background(), &controlpb.TaskGroupStateChanged{}, nil)
}

func (s *ScheduleListenerTestSuite) TestDropsUndecodableDescriptor(c *gc.C) {
	ctrl := gomock.NewController(c)
	defer ctrl.Finish()

	runner := mocks.NewMockRunner(ctrl)

	listener := NewScheduleListener(context.Background(), "executor-1", runner, testLogger())
	listener(context.Background(), &controlpb.ScheduleTaskGroup{
		TaskGroupID: "tg-1",
		AttemptIdx:  1,
		Descriptor:  []byte("not a valid gob stream"),
	}, nil)
}
