package main

import (
	"flag"
	"log"
	"os"
	"strings"
	"time"

	"github.com/qs3c/pay_go_server/config"
	"github.com/qs3c/pay_go_server/internal/database"
	"github.com/qs3c/pay_go_server/internal/repository"
)

var (
	dryRun            = flag.Bool("dry-run", true, "Dry run mode, don't actually modify data")
	cleanRegistration = flag.Bool("clean-registrations", true, "Delete temp registrations past the retention window")
	cleanSessions     = flag.Bool("clean-sessions", true, "Fail payment sessions abandoned past their expiry")
	sessionBatch      = flag.Int("session-batch", 500, "Max abandoned sessions to process per run")
)

func main() {
	flag.Parse()

	log.Println("Starting cleanup task...")
	log.Printf("Mode: dry-run=%v", *dryRun)

	// 加载配置
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 连接数据库
	db, err := database.NewMySQL(&cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	regRepo := repository.NewTempRegistrationRepository(db)
	sessionRepo := repository.NewPaymentSessionRepository(db)

	deletedRegs := int64(0)
	failedSessions := 0

	// 1. 删除保留期外的临时注册。
	// 新鲜期过了只是不能再用于建号，记录本身多留一段时间便于排查，
	// 超过保留期才真正删除。
	if *cleanRegistration {
		keepHours := cfg.Finalize.RegistrationKeepHours
		if keepHours <= 0 {
			keepHours = 72
		}
		cutoff := time.Now().Add(-time.Duration(keepHours) * time.Hour)
		log.Printf("Cleaning temp registrations created before %s...", cutoff.Format(time.RFC3339))

		if *dryRun {
			log.Println("  (dry run, skipping delete)")
		} else {
			deletedRegs, err = regRepo.DeleteCreatedBefore(cutoff)
			if err != nil {
				log.Printf("Failed to delete temp registrations: %v", err)
			}
		}
	}

	// 2. 把超过有效期仍停留在 initiated 的会话标记为 failed。
	// 条件迁移保证不会覆盖一个刚被 webhook 终结的会话。
	if *cleanSessions {
		log.Println("Failing abandoned payment sessions...")

		sessions, err := sessionRepo.ListAbandoned(time.Now(), *sessionBatch)
		if err != nil {
			log.Fatalf("Failed to list abandoned sessions: %v", err)
		}

		for _, s := range sessions {
			log.Printf("  - %s (plan %s, created %s)", s.CorrelationID, s.PlanID,
				s.CreatedAt.Format(time.RFC3339))
			if *dryRun {
				failedSessions++
				continue
			}
			rows, err := sessionRepo.MarkFailed(s.ID, "abandoned", "")
			if err != nil {
				log.Printf("    Failed to mark session %s: %v", s.CorrelationID, err)
				continue
			}
			if rows > 0 {
				failedSessions++
			}
		}
	}

	// 输出统计
	log.Println(strings.Repeat("=", 60))
	log.Println("Cleanup Summary")
	log.Println(strings.Repeat("=", 60))
	log.Printf("Temp registrations deleted: %d", deletedRegs)
	log.Printf("Abandoned sessions failed: %d", failedSessions)
	if *dryRun {
		log.Println("DRY RUN MODE - no data was modified")
		log.Println("Run with -dry-run=false to apply changes")
	} else {
		log.Println("Cleanup completed")
	}
	log.Println(strings.Repeat("=", 60))
}
