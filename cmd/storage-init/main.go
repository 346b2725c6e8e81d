// Command storage-init provisions the board storage: the stage and task
// tables plus the events queue on Azure, or the schema of a SQLite file.
package main

import (
	"context"
	"errors"
	"os"
	"strconv"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"

	"pov-board/storage"
)

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	log.Info("storage init starting")

	ctx := context.Background()

	switch driver := os.Getenv("STORAGE_DRIVER"); driver {
	case "", "aztables":
		connStr := os.Getenv("STORAGE_CONNECTION_STRING")
		if connStr == "" {
			log.Fatal("missing STORAGE_CONNECTION_STRING")
		}
		if err := createTables(ctx, connStr, []string{
			os.Getenv("STAGES_TABLE"),
			os.Getenv("TASKS_TABLE"),
		}); err != nil {
			log.Fatalf("create tables: %v", err)
		}
		if err := createQueues(ctx, connStr, []string{
			os.Getenv("EVENTS_QUEUE"),
		}); err != nil {
			log.Fatalf("create queues: %v", err)
		}
	case "sqlite":
		path := os.Getenv("SQLITE_PATH")
		if path == "" {
			log.Fatal("missing SQLITE_PATH")
		}
		db, err := storage.OpenSQLite(path)
		if err != nil {
			log.Fatalf("open sqlite: %v", err)
		}
		db.Close()
		log.WithField("path", path).Debug("sqlite schema migrated")
	default:
		log.Fatalf("unknown STORAGE_DRIVER %q", driver)
	}

	log.Info("storage init complete")
}

func createTables(ctx context.Context, connStr string, names []string) error {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, nil)
	if err != nil {
		return err
	}
	for _, name := range names {
		if name == "" {
			continue
		}
		_, err := svc.NewClient(name).CreateTable(ctx, nil)
		if err != nil && !alreadyExists(err, string(aztables.TableAlreadyExists)) {
			return err
		}
		log.WithField("table", name).Debug("table ready")
	}
	return nil
}

func createQueues(ctx context.Context, connStr string, names []string) error {
	for _, name := range names {
		if name == "" {
			continue
		}
		q, err := azqueue.NewQueueClientFromConnectionString(connStr, name, nil)
		if err != nil {
			return err
		}
		if _, err := q.Create(ctx, nil); err != nil && !alreadyExists(err, "QueueAlreadyExists") {
			return err
		}
		log.WithField("queue", name).Debug("queue ready")
	}
	return nil
}

func alreadyExists(err error, code string) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.ErrorCode == code
}
