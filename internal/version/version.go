package version

var AppName = "Voice Warden"
