package app

import (
	"github.com/huddle-chat/core/internal/config"
	"github.com/huddle-chat/core/internal/modules/chat"
	"github.com/huddle-chat/core/internal/modules/presence"
	pkgcron "github.com/huddle-chat/core/internal/pkg/cron"
)

// registerCronJobs registers all scheduled background jobs.
func registerCronJobs(sched *pkgcron.Scheduler, presenceSvc *presence.Service, chatSvc *chat.Service, cfg *config.AppConfig) {
	presenceSvc.Register(sched)
	chatSvc.Register(sched, cfg.Chat.MessageRetention)
}
