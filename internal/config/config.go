// Package config handles the configuration of the service, read from file
// and/or environment using the viper library.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/jorson-chen/Cortex/internal/broker"
	"github.com/jorson-chen/Cortex/internal/database"
	"github.com/jorson-chen/Cortex/internal/storage"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

var requiredConfVars []string

// JobConf stores the tunables of the job service
type JobConf struct {
	// CacheTTL is the similar-job window, zero disables the cache
	CacheTTL time.Duration
	// Timeout is the wall-clock limit of one analyzer run, zero disables it
	Timeout time.Duration
	// PoolSize caps the number of simultaneous analyzer processes
	PoolSize int64
}

// AnalyzerConf stores where analyzer description files are found
type AnalyzerConf struct {
	Paths []string
}

// SchemasPath is where the JSON schema documents live
var SchemasPath = "schemas"

// Config is a parent object for all the different configuration parts
type Config struct {
	Attachments storage.Conf
	Broker      broker.MQConf
	DB          database.DBConf
	Job         JobConf
	Analyzer    AnalyzerConf
	Users       map[string]string
}

// NewConfig initializes and parses the config file and/or environment using
// the viper library.
func NewConfig(app string) (*Config, error) {
	viper.SetConfigName("config")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.SetConfigType("yaml")
	if viper.IsSet("configPath") {
		cp := viper.GetString("configPath")
		if !strings.HasSuffix(cp, "/") {
			cp += "/"
		}
		viper.AddConfigPath(cp)
	}
	if viper.IsSet("configFile") {
		viper.SetConfigFile(viper.GetString("configFile"))
	}
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Infoln("No config file found, using ENVs only")
		} else {
			return nil, err
		}
	}

	if viper.IsSet("log.format") {
		if viper.GetString("log.format") == "json" {
			log.SetFormatter(&log.JSONFormatter{})
			log.Info("The logs format is set to JSON")
		}
	}

	if viper.IsSet("log.level") {
		stringLevel := viper.GetString("log.level")
		intLevel, err := log.ParseLevel(stringLevel)
		if err != nil {
			log.Infof("Log level '%s' not supported, setting to 'trace'", stringLevel)
			intLevel = log.TraceLevel
		}
		log.SetLevel(intLevel)
		log.Infof("Setting log level to '%s'", stringLevel)
	}

	switch app {
	case "cortex":
		requiredConfVars = []string{
			"db.host", "db.port", "db.user", "db.password", "db.database",
		}
	default:
		return nil, errors.Errorf("application '%s' doesn't exist", app)
	}

	if viper.IsSet("attachments.type") {
		switch viper.GetString("attachments.type") {
		case "s3":
			requiredConfVars = append(requiredConfVars, "attachments.s3.url", "attachments.s3.accesskey", "attachments.s3.secretkey", "attachments.s3.bucket")
		case "sftp":
			requiredConfVars = append(requiredConfVars, "attachments.sftp.host", "attachments.sftp.port", "attachments.sftp.username", "attachments.sftp.pemkeypath")
		case "posix":
			requiredConfVars = append(requiredConfVars, "attachments.location")
		default:
			return nil, errors.Errorf("attachments.type '%s' is not supported", viper.GetString("attachments.type"))
		}
	} else {
		requiredConfVars = append(requiredConfVars, "attachments.location")
	}

	if viper.IsSet("broker.host") {
		requiredConfVars = append(requiredConfVars, "broker.port", "broker.user", "broker.password", "broker.exchange", "broker.routingkey")
	}

	for _, s := range requiredConfVars {
		if !viper.IsSet(s) {
			return nil, errors.Errorf("%s not set", s)
		}
	}

	c := &Config{}
	err := c.readConfig()
	if err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Config) readConfig() error {
	// Setup psql db
	c.DB.Host = viper.GetString("db.host")
	c.DB.Port = viper.GetInt("db.port")
	c.DB.User = viper.GetString("db.user")
	c.DB.Password = viper.GetString("db.password")
	c.DB.Database = viper.GetString("db.database")
	if viper.IsSet("db.cacert") {
		c.DB.CACert = viper.GetString("db.cacert")
	}
	c.DB.SslMode = viper.GetString("db.sslmode")
	if c.DB.SslMode == "verify-full" {
		// Since verify-full is specified, these are required.
		if !(viper.IsSet("db.clientcert") && viper.IsSet("db.clientkey")) {
			return errors.New("when db.sslMode is set to verify-full both db.clientCert and db.clientKey are needed")
		}
		c.DB.ClientCert = viper.GetString("db.clientcert")
		c.DB.ClientKey = viper.GetString("db.clientkey")
	}

	// Setup attachment storage
	if err := c.configAttachments(); err != nil {
		return err
	}

	// Setup broker, optional
	if viper.IsSet("broker.host") {
		if err := c.configBroker(); err != nil {
			return err
		}
	}

	// Setup job service
	c.Job.CacheTTL = viper.GetDuration("job.cache")
	c.Job.Timeout = viper.GetDuration("job.timeout")
	c.Job.PoolSize = 4
	if viper.IsSet("runner.poolsize") {
		c.Job.PoolSize = viper.GetInt64("runner.poolsize")
	}
	if c.Job.PoolSize < 1 {
		return errors.New("runner.poolSize must be at least 1")
	}

	c.Analyzer.Paths = viper.GetStringSlice("analyzer.paths")
	c.Users = viper.GetStringMapString("users")

	if viper.IsSet("schemas.path") {
		SchemasPath = viper.GetString("schemas.path")
	}

	return nil
}

func (c *Config) configAttachments() error {
	switch viper.GetString("attachments.type") {
	case "s3":
		c.Attachments.Type = "s3"
		c.Attachments.S3.URL = viper.GetString("attachments.s3.url")
		if viper.IsSet("attachments.s3.port") {
			c.Attachments.S3.Port = viper.GetInt("attachments.s3.port")
		}
		c.Attachments.S3.AccessKey = viper.GetString("attachments.s3.accesskey")
		c.Attachments.S3.SecretKey = viper.GetString("attachments.s3.secretkey")
		c.Attachments.S3.Bucket = viper.GetString("attachments.s3.bucket")
		c.Attachments.S3.Region = "us-east-1"
		if viper.IsSet("attachments.s3.region") {
			c.Attachments.S3.Region = viper.GetString("attachments.s3.region")
		}
		c.Attachments.S3.UploadConcurrency = 2
		if viper.IsSet("attachments.s3.uploadconcurrency") {
			c.Attachments.S3.UploadConcurrency = viper.GetInt("attachments.s3.uploadconcurrency")
		}
		c.Attachments.S3.Chunksize = 5 * 1024 * 1024
		if viper.IsSet("attachments.s3.chunksize") {
			c.Attachments.S3.Chunksize = viper.GetInt("attachments.s3.chunksize") * 1024 * 1024
		}
		if viper.IsSet("attachments.s3.cacert") {
			c.Attachments.S3.CAcert = viper.GetString("attachments.s3.cacert")
		}
	case "sftp":
		c.Attachments.Type = "sftp"
		c.Attachments.SFTP.Host = viper.GetString("attachments.sftp.host")
		c.Attachments.SFTP.Port = viper.GetString("attachments.sftp.port")
		c.Attachments.SFTP.UserName = viper.GetString("attachments.sftp.username")
		c.Attachments.SFTP.PemKeyPath = viper.GetString("attachments.sftp.pemkeypath")
		if viper.IsSet("attachments.sftp.pemkeypass") {
			c.Attachments.SFTP.PemKeyPass = viper.GetString("attachments.sftp.pemkeypass")
		}
		if viper.IsSet("attachments.sftp.hostkey") {
			c.Attachments.SFTP.HostKey = viper.GetString("attachments.sftp.hostkey")
		}
	default:
		c.Attachments.Type = "posix"
		c.Attachments.Posix.Location = viper.GetString("attachments.location")
	}

	return nil
}

func (c *Config) configBroker() error {
	c.Broker.Host = viper.GetString("broker.host")
	c.Broker.Port = viper.GetInt("broker.port")
	c.Broker.User = viper.GetString("broker.user")
	c.Broker.Password = viper.GetString("broker.password")
	c.Broker.Exchange = viper.GetString("broker.exchange")
	c.Broker.RoutingKey = viper.GetString("broker.routingkey")
	c.Broker.ServerName = viper.GetString("broker.servername")

	if viper.IsSet("broker.vhost") {
		if strings.HasPrefix(viper.GetString("broker.vhost"), "/") {
			c.Broker.Vhost = viper.GetString("broker.vhost")
		} else {
			c.Broker.Vhost = "/" + viper.GetString("broker.vhost")
		}
	} else {
		c.Broker.Vhost = "/"
	}

	if viper.IsSet("broker.ssl") {
		c.Broker.Ssl = viper.GetBool("broker.ssl")
	}
	if viper.IsSet("broker.verifypeer") {
		c.Broker.VerifyPeer = viper.GetBool("broker.verifypeer")
		if c.Broker.VerifyPeer {
			// Since verifyPeer is specified, these are required.
			if !(viper.IsSet("broker.clientcert") && viper.IsSet("broker.clientkey")) {
				return errors.New("when broker.verifyPeer is set both broker.clientCert and broker.clientKey is needed")
			}
			c.Broker.ClientCert = viper.GetString("broker.clientcert")
			c.Broker.ClientKey = viper.GetString("broker.clientkey")
		}
	}
	if viper.IsSet("broker.cacert") {
		c.Broker.CACert = viper.GetString("broker.cacert")
	}

	return nil
}

// BrokerEnabled reports whether event publishing is configured
func (c *Config) BrokerEnabled() bool {
	return c.Broker.Host != ""
}

// String prints the settled configuration, passwords redacted
func (c *Config) String() string {
	return fmt.Sprintf("db: %s:%d/%s, attachments: %s, broker: %s, pool: %d, cache: %s, timeout: %s",
		c.DB.Host, c.DB.Port, c.DB.Database, c.Attachments.Type, c.Broker.Host, c.Job.PoolSize, c.Job.CacheTTL, c.Job.Timeout)
}
