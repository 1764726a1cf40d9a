package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

type ConfigTestSuite struct {
	suite.Suite
}

func TestConfigTestSuite(t *testing.T) {
	suite.Run(t, new(ConfigTestSuite))
}

func (cts *ConfigTestSuite) SetupTest() {
	viper.Set("db.host", "localhost")
	viper.Set("db.port", 5432)
	viper.Set("db.user", "cortex")
	viper.Set("db.password", "cortex")
	viper.Set("db.database", "cortex")
	viper.Set("db.sslmode", "disable")
	viper.Set("attachments.location", cts.T().TempDir())
	viper.Set("log.level", "debug")
}

func (cts *ConfigTestSuite) TearDownTest() {
	viper.Reset()
}

func (cts *ConfigTestSuite) TestNonExistingApplication() {
	config, err := NewConfig("thehive")
	assert.Nil(cts.T(), config)
	assert.Error(cts.T(), err)
}

func (cts *ConfigTestSuite) TestMissingRequiredConfVar() {
	for _, requiredConfVar := range []string{"db.host", "db.port", "db.user", "db.password", "db.database"} {
		value := viper.Get(requiredConfVar)
		viper.Set(requiredConfVar, nil)

		config, err := NewConfig("cortex")
		assert.Nil(cts.T(), config)
		if assert.Error(cts.T(), err) {
			assert.Contains(cts.T(), err.Error(), requiredConfVar)
		}

		viper.Set(requiredConfVar, value)
	}
}

func (cts *ConfigTestSuite) TestDefaults() {
	config, err := NewConfig("cortex")
	assert.NoError(cts.T(), err)
	assert.NotNil(cts.T(), config)

	assert.Equal(cts.T(), "posix", config.Attachments.Type)
	assert.Equal(cts.T(), time.Duration(0), config.Job.CacheTTL)
	assert.Equal(cts.T(), time.Duration(0), config.Job.Timeout)
	assert.Equal(cts.T(), int64(4), config.Job.PoolSize)
	assert.False(cts.T(), config.BrokerEnabled())
}

func (cts *ConfigTestSuite) TestJobSettings() {
	viper.Set("job.cache", "1h")
	viper.Set("job.timeout", "10m")
	viper.Set("runner.poolsize", 8)

	config, err := NewConfig("cortex")
	assert.NoError(cts.T(), err)
	assert.Equal(cts.T(), time.Hour, config.Job.CacheTTL)
	assert.Equal(cts.T(), 10*time.Minute, config.Job.Timeout)
	assert.Equal(cts.T(), int64(8), config.Job.PoolSize)
}

func (cts *ConfigTestSuite) TestBadPoolSize() {
	viper.Set("runner.poolsize", 0)

	config, err := NewConfig("cortex")
	assert.Nil(cts.T(), config)
	assert.Error(cts.T(), err)
}

func (cts *ConfigTestSuite) TestS3AttachmentsConfig() {
	viper.Set("attachments.type", "s3")
	viper.Set("attachments.s3.url", "http://localhost:9000")
	viper.Set("attachments.s3.accesskey", "minio")
	viper.Set("attachments.s3.secretkey", "miniosecret")
	viper.Set("attachments.s3.bucket", "attachments")

	config, err := NewConfig("cortex")
	assert.NoError(cts.T(), err)
	assert.Equal(cts.T(), "s3", config.Attachments.Type)
	assert.Equal(cts.T(), "http://localhost:9000", config.Attachments.S3.URL)
	assert.Equal(cts.T(), "us-east-1", config.Attachments.S3.Region)
	assert.Equal(cts.T(), 5*1024*1024, config.Attachments.S3.Chunksize)
}

func (cts *ConfigTestSuite) TestS3AttachmentsMissingKeys() {
	viper.Set("attachments.type", "s3")
	viper.Set("attachments.s3.url", "http://localhost:9000")

	config, err := NewConfig("cortex")
	assert.Nil(cts.T(), config)
	assert.Error(cts.T(), err)
}

func (cts *ConfigTestSuite) TestBrokerConfig() {
	viper.Set("broker.host", "localhost")
	viper.Set("broker.port", 5672)
	viper.Set("broker.user", "guest")
	viper.Set("broker.password", "guest")
	viper.Set("broker.exchange", "cortex")
	viper.Set("broker.routingkey", "jobs")
	viper.Set("broker.vhost", "cortex")

	config, err := NewConfig("cortex")
	assert.NoError(cts.T(), err)
	assert.True(cts.T(), config.BrokerEnabled())
	assert.Equal(cts.T(), "/cortex", config.Broker.Vhost)
	assert.Equal(cts.T(), "jobs", config.Broker.RoutingKey)
}

func (cts *ConfigTestSuite) TestBrokerMissingKeys() {
	viper.Set("broker.host", "localhost")

	config, err := NewConfig("cortex")
	assert.Nil(cts.T(), config)
	assert.Error(cts.T(), err)
}

func (cts *ConfigTestSuite) TestVerifyPeerNeedsClientCerts() {
	viper.Set("broker.host", "localhost")
	viper.Set("broker.port", 5672)
	viper.Set("broker.user", "guest")
	viper.Set("broker.password", "guest")
	viper.Set("broker.exchange", "cortex")
	viper.Set("broker.routingkey", "jobs")
	viper.Set("broker.verifypeer", true)

	config, err := NewConfig("cortex")
	assert.Nil(cts.T(), config)
	assert.Error(cts.T(), err)
}

func (cts *ConfigTestSuite) TestUsersMap() {
	viper.Set("users", map[string]string{"alice": "org1", "bob": "org2"})

	config, err := NewConfig("cortex")
	assert.NoError(cts.T(), err)
	assert.Equal(cts.T(), "org1", config.Users["alice"])
	assert.Equal(cts.T(), "org2", config.Users["bob"])
}
