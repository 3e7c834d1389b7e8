package model

// PathParam describes a path parameter a CallbackPlan's url_template
// references. Location is always "path" — the compiler drops any parameter
// declared elsewhere.
type PathParam struct {
	Name     string
	Location string
}

// BodyPlan describes the declared request body media type for a callback
// operation. A CallbackPlan with a zero-value BodyPlan (Present == false)
// has no body.
type BodyPlan struct {
	Present   bool
	MediaType string
}

// CallbackPlan is an immutable, precompiled description of one outbound
// HTTP callback, produced by the plan compiler (C2) from an OpenAPI
// callback declaration. It carries no per-request state.
type CallbackPlan struct {
	CallbackID  string
	URLTemplate string
	Method      string
	OperationID string
	PathParams  []PathParam
	Body        BodyPlan
}

// CallbackExecutionPlan pairs a CallbackPlan with the per-request parameter
// values resolved for one incoming request. It is created per dispatch and
// discarded once the resulting CallbackRequest has been enqueued.
type CallbackExecutionPlan struct {
	Plan              CallbackPlan
	Parameters        Vars
	BodyParameterName string // empty when none
}
