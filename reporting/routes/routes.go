package routes

import "github.com/tedsuo/rata"

const (
	CreateRun = "CREATE_RUN"
	AddResult = "ADD_RESULT"
	FinishRun = "FINISH_RUN"
)

var Routes = rata.Routes{
	{Path: "/runs", Method: "POST", Name: CreateRun},
	{Path: "/runs/:run_id/results", Method: "POST", Name: AddResult},
	{Path: "/runs/:run_id/finish", Method: "POST", Name: FinishRun},
}
