package store

// Component names. Trigger strings follow the front end's external-intent
// convention: "EXTERNAL_" + name.
const (
	PreparationIntroduction = "preparation_introduction"
	ProfileCreation         = "profile_creation"
	MedicationTalk          = "medication_talk"
	TrackBehavior           = "track_behavior"
	FutureSelfLong          = "future_self_long"
	FutureSelfShort         = "future_self_short"
	GoalSetting             = "goal_setting"
	FirstAidKitVideo        = "first_aid_kit_video"
	ExecutionIntroduction   = "execution_introduction"
	GeneralActivity         = "general_activity"
	WeeklyReflection        = "weekly_reflection"
	ClosingDialog           = "closing_dialog"
	RelapseDialog           = "relapse_dialog"
	RelapseDialogHRS        = "relapse_dialog_hrs"
	RelapseDialogLapse      = "relapse_dialog_lapse"
	RelapseDialogRelapse    = "relapse_dialog_relapse"
	RelapseDialogPA         = "relapse_dialog_pa"

	TrackNotification      = "track_notification"
	PANotification         = "pa_notification"
	BeforeQuitNotification = "before_quit_notification"
	QuitDateNotification   = "quit_date_notification"
)

const triggerPrefix = "EXTERNAL_"

// TriggerFor returns the front-end intent trigger for a component name.
func TriggerFor(name string) string { return triggerPrefix + name }

// Catalog returns the built-in intervention component catalog. Seeded into
// the store at startup; ids are stable across deployments.
func Catalog() []*Component {
	names := []struct {
		name string
		kind string
	}{
		{PreparationIntroduction, "dialog"},
		{ProfileCreation, "dialog"},
		{MedicationTalk, "dialog"},
		{TrackBehavior, "dialog"},
		{FutureSelfLong, "dialog"},
		{FutureSelfShort, "dialog"},
		{GoalSetting, "dialog"},
		{FirstAidKitVideo, "dialog"},
		{ExecutionIntroduction, "dialog"},
		{GeneralActivity, "dialog"},
		{WeeklyReflection, "dialog"},
		{ClosingDialog, "dialog"},
		{RelapseDialog, "dialog"},
		{RelapseDialogHRS, "dialog"},
		{RelapseDialogLapse, "dialog"},
		{RelapseDialogRelapse, "dialog"},
		{RelapseDialogPA, "dialog"},
		{TrackNotification, "notification"},
		{PANotification, "notification"},
		{BeforeQuitNotification, "notification"},
		{QuitDateNotification, "notification"},
	}
	components := make([]*Component, 0, len(names))
	for i, n := range names {
		components = append(components, &Component{
			ID:      int32(i + 1),
			Name:    n.name,
			Trigger: TriggerFor(n.name),
			Kind:    n.kind,
		})
	}
	return components
}
