package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"chatwire/internal/chat"
	"chatwire/internal/db"
	"chatwire/internal/middleware"
	"chatwire/internal/room"
	"chatwire/internal/upload"
	"chatwire/internal/user"
)

func main() {
	// 1. Config & Flags
	addr := flag.String("addr", ":8080", "http service address")
	flag.Parse()

	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		log.Fatal("❌ DB_DSN is not set")
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("❌ JWT_SECRET is not set")
	}

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	uploadDir := os.Getenv("UPLOAD_DIR")
	if uploadDir == "" {
		uploadDir = "uploads"
	}

	// 2. Connect to Database (Platform Layer)
	database, err := db.NewDatabase(dsn)
	if err != nil {
		log.Fatalf("❌ Failed to connect to DB: %v", err)
	}
	log.Println("✅ Connected to PostgreSQL")

	if err := database.AutoMigrate(); err != nil {
		log.Fatalf("❌ Migration failed: %v", err)
	}
	log.Println("✅ Database Schema Initialized")

	// 3. Connect to Redis (Platform Layer)
	redisClient := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})
	if _, err := redisClient.Ping(context.Background()).Result(); err != nil {
		log.Fatalf("❌ Failed to connect to Redis: %v", err)
	}
	log.Println("✅ Connected to Redis")

	// 4. Initialize User Feature
	userRepo := user.NewRepository(database.Conn)
	userService := user.NewService(userRepo, jwtSecret)
	userHandler := user.NewHandler(userService)

	// 5. Initialize Rooms + bootstrap the General singleton
	roomStore := room.NewStore(database.Conn, redisClient)
	roomHandler := room.NewHandler(roomStore)

	general, err := roomStore.EnsureGeneral(context.Background())
	if err != nil {
		log.Fatalf("❌ Failed to initialize General room: %v", err)
	}
	log.Printf("✅ General room ready (id=%d)", general.ID)

	// 6. Initialize Chat Core
	chatRepo := chat.NewRepository(database.Conn)
	hub := chat.NewHub(chatRepo, roomStore, userService)
	go hub.Run()

	chatHandler := chat.NewHandler(hub, userService, chatRepo, roomStore)

	// 7. File uploads
	uploadHandler, err := upload.NewHandler(uploadDir)
	if err != nil {
		log.Fatalf("❌ Failed to initialize upload dir: %v", err)
	}

	authMiddleware := middleware.NewAuthMiddleware(userService)

	// 8. Define Routes
	r := chi.NewRouter()
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)

	// Public Routes
	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, "index.html")
	})
	r.Handle("/uploads/*", http.StripPrefix("/uploads/",
		http.FileServer(http.Dir(uploadHandler.Dir()))))

	// WebSocket (Real-time). Does its own handshake auth so a bad token is
	// refused before the upgrade.
	r.Get("/ws", chatHandler.ServeWs)

	// Protected Routes (Require JWT)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/api/users/search", userHandler.SearchUsers)

		r.Post("/api/rooms", roomHandler.Create)
		r.Get("/api/rooms", roomHandler.List)
		r.Post("/api/rooms/{id}/join", roomHandler.Join)

		r.Get("/api/messages/room/{roomId}", chatHandler.RoomHistory)
		r.Get("/api/messages/direct/{userId}", chatHandler.DirectHistory)

		r.Post("/api/upload", uploadHandler.Upload)
	})

	log.Printf("🚀 Server starting on %s", *addr)
	if err := http.ListenAndServe(*addr, r); err != nil {
		log.Fatal(err)
	}
}
