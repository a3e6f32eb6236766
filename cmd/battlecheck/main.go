// battlecheck is a one-shot diagnostic: it pings the stores the battle
// server depends on and, when a database is configured, runs one recovery
// sweep and prints the result.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/COAI-team/backend-sub000/internal/battle"
	"github.com/COAI-team/backend-sub000/internal/judge"
	"github.com/COAI-team/backend-sub000/internal/ledger"
	"github.com/COAI-team/backend-sub000/internal/lock"
	"github.com/COAI-team/backend-sub000/internal/penalty"
	"github.com/COAI-team/backend-sub000/internal/points"
	"github.com/COAI-team/backend-sub000/internal/recovery"
	"github.com/COAI-team/backend-sub000/internal/scheduler"
	"github.com/COAI-team/backend-sub000/internal/settlement"
	"github.com/COAI-team/backend-sub000/internal/storage"
	"github.com/COAI-team/backend-sub000/pkg/battledto"
)

func main() {
	redisURL := os.Getenv("REDIS_URL")
	databaseURL := os.Getenv("DATABASE_URL")
	judgeURL := os.Getenv("JUDGE_BASE_URL")

	if redisURL == "" {
		log.Fatal("REDIS_URL is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rdb, err := storage.OpenRedis(ctx, redisURL)
	if err != nil {
		log.Fatalf("redis error: %v", err)
	}
	defer rdb.Close()
	log.Println("redis ok")

	if judgeURL != "" {
		c := judge.NewClient(judgeURL, judge.WithToken(os.Getenv("JUDGE_TOKEN")), judge.WithTimeout(8*time.Second))
		v, err := c.Judge(ctx, battledto.JudgeRequest{MatchID: "battlecheck", UserID: "battlecheck", Source: "ping"})
		if err != nil {
			log.Printf("judge error: %v", err)
		} else {
			log.Printf("judge ok: accepted=%v passed=%d/%d", v.Accepted, v.Passed, v.Total)
		}
	}

	if databaseURL == "" {
		log.Println("DATABASE_URL not set; skipping ledger check")
		return
	}
	db, err := storage.OpenPostgres(ctx, databaseURL)
	if err != nil {
		log.Fatalf("postgres error: %v", err)
	}
	defer db.Close()
	log.Println("postgres ok (migrations applied)")

	led := ledger.NewRepository(db)
	settle := settlement.NewService(points.NewPostgresStore(db), settlement.NewPostgresHolds(db), led)
	penalties := penalty.NewService(rdb, 0)

	// 스케줄러는 시작하지 않는다: 정리 과정의 타이머 취소만 필요하다
	sched, err := scheduler.New()
	if err != nil {
		log.Fatalf("scheduler error: %v", err)
	}
	defer func() { _ = sched.Shutdown() }()
	mgr := battle.NewManager(battle.Deps{
		Redis:      rdb,
		Locks:      lock.NewManager(rdb, 5*time.Second, 3*time.Second),
		Settlement: settle,
		Penalties:  penalties,
		Ledger:     led,
		Scheduler:  sched,
	}, battle.Config{})

	unsettled, err := led.ListUnsettled(ctx, 50)
	if err != nil {
		log.Printf("ledger error: %v", err)
	}
	for _, rec := range unsettled {
		holds, err := settle.Holds(ctx, rec.MatchID)
		if err != nil {
			log.Printf("holds %s error: %v", rec.MatchID, err)
			continue
		}
		for _, h := range holds {
			fmt.Printf("unsettled %s (%s): %s holds %d as %s\n", rec.MatchID, rec.Status, h.UserID, h.Amount, h.Status)
		}
	}

	rep, err := recovery.NewService(led, settle, penalties, mgr, recovery.Config{}).Sweep(ctx)
	if err != nil {
		log.Printf("sweep finished with errors: %v", err)
	}
	fmt.Printf("sweep: canceled=%d timed_out=%d resettled=%d conflicted=%d\n",
		rep.Canceled, rep.TimedOut, rep.Resettled, rep.Conflicted)
}
