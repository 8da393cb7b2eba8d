package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"taskboard-api/api"
	"taskboard-api/notify"
	"taskboard-api/realtime"
	"taskboard-api/storage"
	"taskboard-api/tasks"
)

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	tasksTable := os.Getenv("TASKS_TABLE")
	projectsTable := os.Getenv("PROJECTS_TABLE")
	membershipsTable := os.Getenv("MEMBERSHIPS_TABLE")
	usersTable := os.Getenv("USERS_TABLE")
	notificationQueue := os.Getenv("NOTIFICATION_QUEUE")
	if connStr == "" || tasksTable == "" || projectsTable == "" || membershipsTable == "" || usersTable == "" || notificationQueue == "" {
		log.Fatal("missing storage config")
	}
	store, err := storage.New(connStr, tasksTable, projectsTable, membershipsTable, usersTable, notificationQueue)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}

	redisConn := os.Getenv("REDIS_CONNECTION_STRING")
	if redisConn == "" {
		log.Fatal("missing redis config")
	}
	redisOpts, err := redis.ParseURL(redisConn)
	if err != nil {
		parts := strings.Split(redisConn, ",")
		redisOpts = &redis.Options{Addr: parts[0]}
		for _, p := range parts[1:] {
			kv := strings.SplitN(p, "=", 2)
			if len(kv) != 2 {
				continue
			}
			switch strings.ToLower(kv[0]) {
			case "password":
				redisOpts.Password = kv[1]
			case "ssl":
				if strings.ToLower(kv[1]) == "true" {
					redisOpts.TLSConfig = &tls.Config{}
				}
			}
		}
	}
	rc := redis.NewClient(redisOpts)

	cacheTTL := storage.DefaultTaskTTL
	if v := os.Getenv("TASK_CACHE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			log.Fatalf("invalid TASK_CACHE_TTL: %v", err)
		}
		cacheTTL = d
	}
	cache := storage.NewTaskCache(store, rc, cacheTTL)

	testMode := os.Getenv("AUTH0_TEST_MODE") == "1" || os.Getenv("LOCAL_AUTH_MODE") != ""
	var auth *api.Auth
	if testMode {
		auth = api.NewAuth(nil, "", "")
	} else {
		jwtAudience := os.Getenv("AUTH0_AUDIENCE")
		domain := os.Getenv("AUTH0_DOMAIN")
		if jwtAudience == "" || domain == "" {
			log.Fatal("missing Auth0 config")
		}
		jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", domain)
		jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
		if err != nil {
			log.Fatalf("jwks: %v", err)
		}
		auth = api.NewAuth(jwks, jwtAudience, "https://"+domain+"/")
	}

	logger := log.New()
	ctx := context.Background()

	hub := realtime.NewHub(logger)
	emitter := realtime.NewFanout(ctx, hub, rc, logger)
	presence := realtime.NewPresence(rc, emitter, store, logger)
	access := realtime.NewStoreAccessChecker(store)
	gateway := realtime.NewGateway(hub, emitter, presence, access, auth, logger)
	broadcaster := realtime.NewRoomBroadcaster(emitter)

	dispatcher := notify.NewDispatcher(store, emitter, logger, notify.Options{})
	defer dispatcher.Close()

	locks := tasks.NewRedisPartitionLock(rc, 0, logger)
	svc := tasks.NewService(store, cache, broadcaster, dispatcher, store, locks, logger)

	e := echo.New()
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))

	api.Register(e, svc, auth, access, logger)
	gateway.Register(e)

	listenAddr := ":8080"
	if val, ok := os.LookupEnv("FUNCTIONS_CUSTOMHANDLER_PORT"); ok {
		listenAddr = ":" + val
	}

	e.Logger.Fatal(e.Start(listenAddr))
}
