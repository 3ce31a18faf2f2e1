package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	. "github.com/smartystreets/goconvey/convey"

	service "github.com/okian/vouch/internal/app"
	"github.com/okian/vouch/internal/config"
	"github.com/okian/vouch/internal/domain/model"
	"github.com/okian/vouch/pkg/logger"
)

func init() {
	if err := logger.Init(); err != nil {
		panic(err)
	}
}

const waitTimeout = 10 * time.Second

func startService(t *testing.T, cfg *config.Config, clock clockwork.FakeClock, opts ...service.Option) *service.Service {
	t.Helper()
	svc, err := service.New(cfg, append([]service.Option{service.WithClock(clock)}, opts...)...)
	So(err, ShouldBeNil)
	So(svc.Start(context.Background()), ShouldBeNil)
	Reset(func() { _ = svc.Stop(context.Background()) })
	return svc
}

func runSession(svc *service.Service, c *simClient) (string, model.SessionInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	id, err := svc.Attach(ctx, c)
	So(err, ShouldBeNil)
	info, err := svc.Wait(ctx, id)
	So(err, ShouldBeNil)
	return id, info
}

// advanceUntilEnded moves the clock by step until the session ends.
func advanceUntilEnded(svc *service.Service, clock clockwork.FakeClock, id string, step time.Duration) model.SessionInfo {
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		info, err := svc.Wait(ctx, id)
		cancel()
		if err == nil && info.State.Terminal() {
			return info
		}
		clock.Advance(step)
	}
	So("session did not end", ShouldBeEmpty)
	return model.SessionInfo{}
}
