package main

import (
	"log"
	"math/rand"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/Dannyjay-hub/telegram-ads-mvp-sub000/config"
	"github.com/Dannyjay-hub/telegram-ads-mvp-sub000/platforms/telegram"
	"github.com/Dannyjay-hub/telegram-ads-mvp-sub000/platforms/ton"
	"github.com/Dannyjay-hub/telegram-ads-mvp-sub000/server"
)

func main() {
	rand.Seed(time.Now().UnixNano())
	log.SetFlags(log.Lshortfile)

	// Secrets come from the environment; .env is a dev convenience
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file loaded")
	}

	cfg, err := config.New("config/config.json")
	if err != nil {
		log.Fatal(err)
	}
	if !cfg.Sandbox {
		gin.SetMode(gin.ReleaseMode)
	}

	log.Println("Platform wallet:", cfg.TON.PlatformWallet)
	log.Println("TON endpoint:", cfg.TON.Endpoint)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(ginLogger("/static", "/favicon.ico"))

	// Ping test
	r.GET("/ping", func(c *gin.Context) {
		c.String(200, "pong")
	})

	chain, err := ton.New(cfg)
	if err != nil {
		log.Fatal(err)
	}

	bot, err := telegram.New(cfg)
	if err != nil {
		log.Fatal(err)
	}

	srv, err := server.New(cfg, r, chain, bot)
	if err != nil {
		log.Fatal(err)
	}
	defer srv.Close()

	// Listen and Serve
	if err = srv.Run(); err != nil {
		// panic rather than fatal so the deferred Close still runs
		log.Panicf("Failed to listen: %v", err)
	}
}

func ginLogger(prefixesToSkip ...string) gin.HandlerFunc {
	// shamelessly copied from gin.Logger
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		for _, pre := range prefixesToSkip {
			if strings.HasPrefix(path, pre) {
				return
			}
		}
		start := time.Now()

		c.Next()

		end := time.Now()
		latency := end.Sub(start)

		clientIP := c.ClientIP()
		method := c.Request.Method
		statusCode := c.Writer.Status()

		log.Printf("[%s] [%d] %s %s [%s]", clientIP, statusCode, method, path, latency)
	}
}
