package main

import (
	"errors"
	"flag"
	"fmt"
	"log"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"vault-cosigner/pkg/config"
)

func main() {
	var command, dir string
	var version int
	flag.StringVar(&command, "cmd", "up", "Command to run: up, down, force, version")
	flag.StringVar(&dir, "dir", "migrations", "Migration files directory")
	flag.IntVar(&version, "v", -1, "Version for force command")
	flag.Parse()

	// 加载配置
	config.Init()
	db := config.Global.DB

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		db.User, db.Password, db.Host, db.Port, db.Name)

	m, err := migrate.New("file://"+dir, dsn)
	if err != nil {
		log.Fatalf("Migration init failed: %v", err)
	}
	defer m.Close()

	switch command {
	case "up":
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			log.Fatalf("Migration up failed: %v", err)
		}
		log.Println("Migration up done")
	case "down":
		if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			log.Fatalf("Migration down failed: %v", err)
		}
		log.Println("Migration down done")
	case "force":
		if version == -1 {
			log.Fatal("Version (-v) is required for force command")
		}
		if err := m.Force(version); err != nil {
			log.Fatalf("Migration force failed: %v", err)
		}
		log.Printf("Migration forced to version %d", version)
	case "version":
		v, dirty, err := m.Version()
		if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
			log.Fatalf("Migration version failed: %v", err)
		}
		log.Printf("Migration version %d (dirty=%v)", v, dirty)
	default:
		log.Fatalf("Unknown command: %s", command)
	}
}
