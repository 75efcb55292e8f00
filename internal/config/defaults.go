package config

const (
	defaultStateDir            = "~/.local/share/vigil"
	defaultLogDir              = "~/.local/share/vigil/logs"
	defaultArtifactsDir        = "~/.local/share/vigil/artifacts"
	defaultCaptureDir          = "~/.cache/vigil/captures"
	defaultAPIBind             = "127.0.0.1:7490"
	defaultMaxConcurrentJobs   = 4
	defaultJobTimeoutSeconds   = 3600
	defaultCaptureGraceSeconds = 10
	defaultMaxCaptureSeconds   = 3600
	defaultCancelGraceSeconds  = 5
	defaultFFmpegBinary        = "ffmpeg"
	defaultStreamFPS           = 5
	defaultPollHz              = 10
	defaultStopGraceSeconds    = 3
	defaultFirstFrameSeconds   = 15
	defaultAnalyzeBinary       = "vigil-analyze"
	defaultLineCounterBinary   = "vigil-linecount"
	defaultSubscriberBuffer    = 32
	defaultForwardBuffer       = 256
	defaultMQTTClientID        = "vigil"
	defaultMQTTTopicPrefix     = "vigil/occupancy"
	defaultAMQPExchange        = "vigil.occupancy"
	defaultAMQPRoutingPrefix   = "occupancy"
	defaultArtifactsBucket     = "vigil-artifacts"
	defaultNotifyTimeout       = 10
	defaultLogFormat           = "console"
	defaultLogLevel            = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StateDir:     defaultStateDir,
			LogDir:       defaultLogDir,
			ArtifactsDir: defaultArtifactsDir,
			CaptureDir:   defaultCaptureDir,
			APIBind:      defaultAPIBind,
		},
		Engine: Engine{
			MaxConcurrentJobs:   defaultMaxConcurrentJobs,
			JobTimeoutSeconds:   defaultJobTimeoutSeconds,
			CaptureGraceSeconds: defaultCaptureGraceSeconds,
			MaxCaptureSeconds:   defaultMaxCaptureSeconds,
			CancelGraceSeconds:  defaultCancelGraceSeconds,
		},
		Stream: Stream{
			FFmpegBinary:      defaultFFmpegBinary,
			DefaultFPS:        defaultStreamFPS,
			PollHz:            defaultPollHz,
			StopGraceSeconds:  defaultStopGraceSeconds,
			FirstFrameSeconds: defaultFirstFrameSeconds,
		},
		Workers: Workers{
			CaptureBinary: defaultFFmpegBinary,
			Models: map[string]WorkerModel{
				"hog":          {Binary: defaultAnalyzeBinary, Args: []string{"--model", "hog"}},
				"yolo":         {Binary: defaultAnalyzeBinary, Args: []string{"--model", "yolo"}},
				"line-counter": {Binary: defaultLineCounterBinary},
			},
		},
		Live: Live{
			SubscriberBuffer: defaultSubscriberBuffer,
			ForwardBuffer:    defaultForwardBuffer,
		},
		MQTT: MQTT{
			ClientID:    defaultMQTTClientID,
			TopicPrefix: defaultMQTTTopicPrefix,
		},
		AMQP: AMQP{
			Exchange:      defaultAMQPExchange,
			RoutingPrefix: defaultAMQPRoutingPrefix,
		},
		Artifacts: Artifacts{
			Bucket: defaultArtifactsBucket,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyTimeout,
			JobCompleted:   true,
			JobFailed:      true,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
