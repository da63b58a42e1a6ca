// Package main is the entry point for quotagate.
//
//	@title						quotagate
//	@version					1.0
//	@description				Usage quota enforcement: quota checks, usage recording, enforcement status and transition events.
//
//	@license.name				MIT
//
//	@BasePath					/
//
//	@securityDefinitions.apikey	BearerAuth
//	@in							header
//	@name						Authorization
//	@description				Admin token sent as the Bearer credential
package main

func main() {
	Execute()
}
