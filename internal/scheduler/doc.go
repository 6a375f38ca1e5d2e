// Package scheduler запускает фоновые работы по cron-расписанию.
//
// Структура:
//   - scheduler.go — Scheduler поверх robfig/cron (регистрация, старт, остановка)
//   - cron.go      — парсинг cron-выражений и вычисление следующего запуска
//   - jobs.go      — работы: очистка загрузок и кропов, чистка зависших запросов OCR
//
// Использование:
//
//	sched := scheduler.New(scheduler.Config{Logger: logger})
//	sched.Add(scheduler.Job{
//	    Name: "cleanup-uploads",
//	    Spec: "0 3 * * *",
//	    Run:  scheduler.CleanupJob([]string{uploadDir, cropsDir}, 7*24*time.Hour, logger),
//	})
//	sched.Start(ctx)
//	defer sched.Stop(ctx)
//
// Работа, не успевшая завершиться к следующему тику, пропускает его.
package scheduler
