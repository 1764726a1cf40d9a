// The cortex service accepts analyzer job submissions, runs the analyzer
// processes and records their reports. At startup it re-drives any job left
// Waiting by an earlier run.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/jorson-chen/Cortex/internal/analyzer"
	"github.com/jorson-chen/Cortex/internal/broker"
	"github.com/jorson-chen/Cortex/internal/config"
	"github.com/jorson-chen/Cortex/internal/database"
	"github.com/jorson-chen/Cortex/internal/job"
	"github.com/jorson-chen/Cortex/internal/storage"

	log "github.com/sirupsen/logrus"
)

type Cortex struct {
	Attachments storage.Backend
	Conf        *config.Config
	DB          *database.CortexDB
	Definitions *analyzer.DefinitionStore
	MQ          *broker.AMQPBroker
	Service     *job.Service
}

func main() {
	app := Cortex{}
	app.main()
}

func (app *Cortex) main() {
	var err error
	sigc := make(chan os.Signal, 5)
	signal.Notify(sigc, os.Interrupt, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	// Create a function to handle panic and exit gracefully
	defer func() {
		if err := recover(); err != nil {
			log.Fatal("Could not recover, exiting")
		}
	}()

	forever := make(chan bool)

	app.Conf, err = config.NewConfig("cortex")
	if err != nil {
		log.Error(err)
		sigc <- syscall.SIGINT
		panic(err)
	}
	app.DB, err = database.NewCortexDB(app.Conf.DB)
	if err != nil {
		log.Error(err)
		sigc <- syscall.SIGINT
		panic(err)
	}
	app.Attachments, err = storage.NewBackend(app.Conf.Attachments)
	if err != nil {
		log.Error(err)
		sigc <- syscall.SIGINT
		panic(err)
	}
	app.Definitions, err = analyzer.LoadDefinitions(app.Conf.Analyzer.Paths, config.SchemasPath)
	if err != nil {
		log.Error(err)
		sigc <- syscall.SIGINT
		panic(err)
	}
	if app.Conf.BrokerEnabled() {
		app.MQ, err = broker.NewMQ(app.Conf.Broker)
		if err != nil {
			log.Error(err)
			sigc <- syscall.SIGINT
			panic(err)
		}

		go func() {
			connError := app.MQ.ConnectionWatcher()
			log.Error(connError)
			forever <- false
		}()

		go func() {
			connError := app.MQ.ChannelWatcher()
			log.Error(connError)
			forever <- false
		}()

		defer app.MQ.Channel.Close()
		defer app.MQ.Connection.Close()
	}
	defer app.DB.Close()

	app.Service = job.NewService(app.Conf, app.DB, app.Attachments, app.MQ, app.Definitions, job.StaticUsers(app.Conf.Users))

	log.Infof("starting cortex service (%s)", app.Conf)

	if err := app.Service.RecoverJobs(); err != nil {
		log.Errorf("recovery scan failed, reason: (%s)", err.Error())
	}

	go func() {
		<-sigc
		forever <- false
	}()

	<-forever
	log.Info("shutting down")
}
